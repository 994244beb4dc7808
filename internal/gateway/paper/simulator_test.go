package paper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/feed"
	"github.com/plutusfin/plutus/internal/gateway"
)

func sampleBoard(t *testing.T) *feed.QuoteBoard {
	t.Helper()
	b := feed.NewQuoteBoard()
	if err := b.Update(feed.Quote{Symbol: "AAPL", Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	return b
}

func marketBuy(qty int64, key string) gateway.Submission {
	return gateway.Submission{Symbol: "AAPL", Side: "buy", Quantity: qty, Type: gateway.OrderTypeMarket, IdempotencyKey: key}
}

func TestExecuteMarketBuyDeductsBalanceAndFees(t *testing.T) {
	sim := NewSimulator(Config{
		InitialBalanceUSD: decimal.NewFromInt(10000),
		FeeBps:            decimal.NewFromInt(10),
	}, sampleBoard(t))

	fill, err := sim.ExecuteMarket("AAPL", "BUY", 10)
	if err != nil {
		t.Fatalf("execute market buy: %v", err)
	}
	if !fill.Filled || fill.Status != "filled" {
		t.Fatalf("expected filled order, got %+v", fill)
	}
	if !fill.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected fill at ask 100, got %s", fill.Price)
	}
	// 10 shares * 100 = 1000, fee 10bps = 1.
	if !fill.Fee.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected fee 1, got %s", fill.Fee)
	}

	snap := sim.Snapshot()
	if !snap.BalanceUSD.Equal(decimal.NewFromInt(8999)) {
		t.Fatalf("expected balance 8999, got %s", snap.BalanceUSD)
	}
	if snap.InventoryBySymbol["AAPL"] != 10 {
		t.Fatalf("expected 10 AAPL in inventory, got %d", snap.InventoryBySymbol["AAPL"])
	}
	if snap.TotalTrades != 1 {
		t.Fatalf("expected 1 trade, got %d", snap.TotalTrades)
	}
}

func TestExecuteMarketAppliesSlippage(t *testing.T) {
	sim := NewSimulator(Config{
		InitialBalanceUSD: decimal.NewFromInt(10000),
		SlippageBps:       decimal.NewFromInt(100),
	}, sampleBoard(t))

	fill, err := sim.ExecuteMarket("AAPL", "buy", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !fill.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected slipped price 101, got %s", fill.Price)
	}
}

func TestExecuteLimitOnlyFillsWhenCrossed(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(10000)}, sampleBoard(t))

	fill, err := sim.ExecuteLimit("AAPL", "buy", 5, decimal.NewFromInt(95))
	if err != nil {
		t.Fatal(err)
	}
	if fill.Filled || fill.Status != "new" {
		t.Fatalf("expected resting order below the ask, got %+v", fill)
	}

	fill, err = sim.ExecuteLimit("AAPL", "buy", 5, decimal.NewFromInt(105))
	if err != nil {
		t.Fatal(err)
	}
	if !fill.Filled || !fill.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected fill at ask 100, got %+v", fill)
	}
}

func TestExecuteMarketRejectsInsufficientFunds(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(50)}, sampleBoard(t))

	_, err := sim.ExecuteMarket("AAPL", "buy", 10)
	var ee *gateway.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.Retryable {
		t.Fatal("insufficient funds should not be retryable")
	}
}

func TestExecuteMarketSellRequiresInventoryWhenShortDisabled(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(10000)}, sampleBoard(t))

	if _, err := sim.ExecuteMarket("AAPL", "buy", 5); err != nil {
		t.Fatalf("buy inventory setup failed: %v", err)
	}
	if _, err := sim.ExecuteMarket("AAPL", "sell", 5); err != nil {
		t.Fatalf("expected sell with inventory to succeed: %v", err)
	}
	if _, err := sim.ExecuteMarket("AAPL", "sell", 1); err == nil {
		t.Fatal("expected sell without remaining inventory to fail")
	}
	if _, ok := sim.Snapshot().InventoryBySymbol["AAPL"]; ok {
		t.Fatal("expected flat position to be removed from inventory")
	}
}

func TestExecuteMarketSellAllowedWhenShortEnabled(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(10000), AllowShort: true}, sampleBoard(t))

	if _, err := sim.ExecuteMarket("AAPL", "sell", 3); err != nil {
		t.Fatalf("expected short sell to be allowed: %v", err)
	}
	if got := sim.Snapshot().InventoryBySymbol["AAPL"]; got != -3 {
		t.Fatalf("expected -3 AAPL, got %d", got)
	}
}

func TestAverageEntryFollowsPosition(t *testing.T) {
	board := sampleBoard(t)
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(100000), AllowShort: true}, board)

	if _, err := sim.ExecuteMarket("AAPL", "buy", 10); err != nil {
		t.Fatal(err)
	}
	if err := board.Update(feed.Quote{Symbol: "AAPL", Bid: decimal.NewFromInt(108), Ask: decimal.NewFromInt(110)}); err != nil {
		t.Fatal(err)
	}
	if _, err := sim.ExecuteMarket("AAPL", "buy", 10); err != nil {
		t.Fatal(err)
	}
	if got := sim.Snapshot().AvgEntryBySymbol["AAPL"]; !got.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected avg entry 105, got %s", got)
	}

	if _, err := sim.ExecuteMarket("AAPL", "sell", 15); err != nil {
		t.Fatal(err)
	}
	if got := sim.Snapshot().AvgEntryBySymbol["AAPL"]; !got.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected reducing sell to keep avg entry 105, got %s", got)
	}

	if _, err := sim.ExecuteMarket("AAPL", "sell", 10); err != nil {
		t.Fatal(err)
	}
	snap := sim.Snapshot()
	if snap.InventoryBySymbol["AAPL"] != -5 || !snap.AvgEntryBySymbol["AAPL"].Equal(decimal.NewFromInt(108)) {
		t.Fatalf("expected short 5 at 108 after flipping, got %d at %s", snap.InventoryBySymbol["AAPL"], snap.AvgEntryBySymbol["AAPL"])
	}

	if _, err := sim.ExecuteMarket("AAPL", "buy", 5); err != nil {
		t.Fatal(err)
	}
	if _, ok := sim.Snapshot().AvgEntryBySymbol["AAPL"]; ok {
		t.Fatal("expected avg entry cleared when flat")
	}
}

func TestSubmitMissingQuoteIsRetryable(t *testing.T) {
	sim := NewSimulator(Config{}, feed.NewQuoteBoard())

	_, err := sim.Submit(context.Background(), marketBuy(1, "o1-1"))
	var ee *gateway.ExecutionError
	if !errors.As(err, &ee) || !ee.Retryable {
		t.Fatalf("expected retryable ExecutionError, got %v", err)
	}
}

func TestSubmitRejectsInvalidSubmission(t *testing.T) {
	sim := NewSimulator(Config{}, sampleBoard(t))

	_, err := sim.Submit(context.Background(), gateway.Submission{Symbol: "AAPL", Side: "hold", Quantity: 1})
	var ee *gateway.ExecutionError
	if !errors.As(err, &ee) || ee.Retryable {
		t.Fatalf("expected non-retryable ExecutionError, got %v", err)
	}
}

func TestSubmitDeduplicatesIdempotencyKey(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(10000)}, sampleBoard(t))

	first, err := sim.Submit(context.Background(), marketBuy(2, "o1-1"))
	if err != nil {
		t.Fatal(err)
	}
	again, err := sim.Submit(context.Background(), marketBuy(2, "o1-1"))
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Fatalf("expected identical receipts, got %+v and %+v", first, again)
	}
	if sim.Snapshot().TotalTrades != 1 {
		t.Fatalf("expected a single fill for a repeated key, got %d", sim.Snapshot().TotalTrades)
	}

	next, err := sim.Submit(context.Background(), marketBuy(2, "o1-2"))
	if err != nil {
		t.Fatal(err)
	}
	if next.ExternalOrderID == first.ExternalOrderID {
		t.Fatal("expected a new order for a new attempt key")
	}
}

func TestConcurrentSubmitsWithSameKeyFillOnce(t *testing.T) {
	sim := NewSimulator(Config{InitialBalanceUSD: decimal.NewFromInt(100000)}, sampleBoard(t))

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	receipts := make([]gateway.Receipt, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			r, err := sim.Submit(context.Background(), marketBuy(1, "same-key"))
			if err != nil {
				t.Errorf("submit: %v", err)
			}
			receipts[i] = r
		}(i)
	}
	close(start)
	wg.Wait()

	snap := sim.Snapshot()
	if snap.TotalTrades != 1 || snap.InventoryBySymbol["AAPL"] != 1 {
		t.Fatalf("expected one fill for one key, got %d trades and inventory %d", snap.TotalTrades, snap.InventoryBySymbol["AAPL"])
	}
	for i, r := range receipts {
		if r != receipts[0] {
			t.Fatalf("receipt %d differs: %+v vs %+v", i, r, receipts[0])
		}
	}
}

func TestSubmitHonoursCancelledContext(t *testing.T) {
	sim := NewSimulator(Config{}, sampleBoard(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := sim.Submit(ctx, marketBuy(1, "o1-1"))
	var ee *gateway.ExecutionError
	if !errors.As(err, &ee) || !ee.Retryable {
		t.Fatalf("expected retryable ExecutionError, got %v", err)
	}
	if sim.Snapshot().TotalTrades != 0 {
		t.Fatal("expected no fill after cancellation")
	}
}
