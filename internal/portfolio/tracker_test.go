package portfolio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/feed"
	"github.com/plutusfin/plutus/internal/gateway/alpaca"
	"github.com/plutusfin/plutus/internal/gateway/paper"
)

func TestTrackerInitialState(t *testing.T) {
	tracker := NewTracker(SourceFunc(func(context.Context) ([]Position, error) { return nil, nil }), 5*time.Minute, nil)
	snap := tracker.Snapshot()
	if !snap.TotalValue.IsZero() || !snap.LastSync.IsZero() || len(snap.Positions) != 0 {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}
}

func TestSyncKeepsLastPositionsOnError(t *testing.T) {
	fail := false
	tracker := NewTracker(SourceFunc(func(context.Context) ([]Position, error) {
		if fail {
			return nil, errors.New("broker down")
		}
		return []Position{
			{Symbol: "AAPL", MarketValue: decimal.NewFromInt(1000)},
			{Symbol: "MSFT", MarketValue: decimal.NewFromInt(500)},
		}, nil
	}), 0, nil)

	if err := tracker.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := tracker.Snapshot()
	if !snap.TotalValue.Equal(decimal.NewFromInt(1500)) || len(snap.Positions) != 2 || snap.LastSync.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	fail = true
	if err := tracker.Sync(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	snap = tracker.Snapshot()
	if len(snap.Positions) != 2 || snap.LastError != "broker down" {
		t.Fatalf("expected cached positions with error, got %+v", snap)
	}
}

func TestFromAlpacaMapsPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"AAPL","qty":"10","avg_entry_price":"150","market_value":"1600","current_price":"160","unrealized_pl":"100"}]`))
	}))
	defer srv.Close()

	client := alpaca.NewClient(alpaca.Config{BaseURL: srv.URL, KeyID: "k", SecretKey: "s", RateLimit: 1000, RateBurst: 10}, nil)
	tracker := NewTracker(FromAlpaca(client), 0, nil)
	if err := tracker.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := tracker.Snapshot()
	if len(snap.Positions) != 1 || !snap.Positions[0].UnrealizedPL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected positions %+v", snap.Positions)
	}
	if !snap.TotalValue.Equal(decimal.NewFromInt(1600)) {
		t.Fatalf("expected total 1600, got %s", snap.TotalValue)
	}
}

func TestFromPaperValuesInventoryAtMid(t *testing.T) {
	board := feed.NewQuoteBoard()
	if err := board.SetReference("AAPL", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	sim := paper.NewSimulator(paper.Config{InitialBalanceUSD: decimal.NewFromInt(10000)}, board)
	if _, err := sim.ExecuteMarket("AAPL", "buy", 10); err != nil {
		t.Fatal(err)
	}
	if err := board.Update(feed.Quote{Symbol: "AAPL", Bid: decimal.NewFromInt(109), Ask: decimal.NewFromInt(111)}); err != nil {
		t.Fatal(err)
	}

	got, err := FromPaper(sim, board).Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one position, got %+v", got)
	}
	p := got[0]
	if !p.CurrentPrice.Equal(decimal.NewFromInt(110)) || !p.MarketValue.Equal(decimal.NewFromInt(1100)) || !p.UnrealizedPL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected valuation %+v", p)
	}
}

func TestRunSyncsOnTicker(t *testing.T) {
	var calls atomic.Int32
	tracker := NewTracker(SourceFunc(func(context.Context) ([]Position, error) {
		calls.Add(1)
		return nil, nil
	}), 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()
	for calls.Load() < 3 {
		select {
		case <-ctx.Done():
			t.Fatalf("expected at least 3 syncs, got %d", calls.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
