// Package paper is an in-process brokerage that fills orders against the
// quote board with configurable fees and slippage.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/feed"
	"github.com/plutusfin/plutus/internal/gateway"
)

var bpsDivisor = decimal.NewFromInt(10000)

type Config struct {
	InitialBalanceUSD decimal.Decimal
	FeeBps            decimal.Decimal
	SlippageBps       decimal.Decimal
	AllowShort        bool
}

// Fill is a simulated execution.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      string
	Status    string
	Filled    bool
	Price     decimal.Decimal
	Quantity  int64
	Notional  decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

type Snapshot struct {
	InitialBalanceUSD decimal.Decimal            `json:"initial_balance_usd"`
	BalanceUSD        decimal.Decimal            `json:"balance_usd"`
	FeesPaidUSD       decimal.Decimal            `json:"fees_paid_usd"`
	TotalVolumeUSD    decimal.Decimal            `json:"total_volume_usd"`
	TotalTrades       int                        `json:"total_trades"`
	AllowShort        bool                       `json:"allow_short"`
	InventoryBySymbol map[string]int64           `json:"inventory_by_symbol"`
	AvgEntryBySymbol  map[string]decimal.Decimal `json:"avg_entry_by_symbol"`
}

// Simulator implements gateway.Gateway.
type Simulator struct {
	mu sync.Mutex

	cfg    Config
	quotes *feed.QuoteBoard

	sequence    int64
	balance     decimal.Decimal
	feesPaid    decimal.Decimal
	totalVolume decimal.Decimal
	totalTrades int
	inventory   map[string]int64 // symbol -> shares (negative when short)
	avgEntry    map[string]decimal.Decimal

	// keyMu is held across lookup, fill and store of a keyed submission.
	keyMu         sync.Mutex
	byIdempotency map[string]gateway.Receipt
}

var _ gateway.Gateway = (*Simulator)(nil)

func NewSimulator(cfg Config, quotes *feed.QuoteBoard) *Simulator {
	if !cfg.InitialBalanceUSD.IsPositive() {
		cfg.InitialBalanceUSD = decimal.NewFromInt(100000)
	}
	if quotes == nil {
		quotes = feed.NewQuoteBoard()
	}
	return &Simulator{
		cfg:           cfg,
		quotes:        quotes,
		balance:       cfg.InitialBalanceUSD,
		inventory:     make(map[string]int64),
		avgEntry:      make(map[string]decimal.Decimal),
		byIdempotency: make(map[string]gateway.Receipt),
	}
}

func (s *Simulator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := make(map[string]int64, len(s.inventory))
	for k, v := range s.inventory {
		inv[k] = v
	}
	avg := make(map[string]decimal.Decimal, len(s.avgEntry))
	for k, v := range s.avgEntry {
		avg[k] = v
	}
	return Snapshot{
		InitialBalanceUSD: s.cfg.InitialBalanceUSD,
		BalanceUSD:        s.balance,
		FeesPaidUSD:       s.feesPaid,
		TotalVolumeUSD:    s.totalVolume,
		TotalTrades:       s.totalTrades,
		AllowShort:        s.cfg.AllowShort,
		InventoryBySymbol: inv,
		AvgEntryBySymbol:  avg,
	}
}

// Submit fills market orders at the touch (plus slippage) and limit orders
// only when the book has crossed the limit; otherwise the limit order rests.
// A repeated idempotency key returns the original receipt without a new fill.
func (s *Simulator) Submit(ctx context.Context, sub gateway.Submission) (gateway.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Receipt{}, gateway.AsExecutionError(err)
	}
	if err := sub.Validate(); err != nil {
		return gateway.Receipt{}, err
	}
	if sub.IdempotencyKey == "" {
		return s.execute(sub)
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if r, seen := s.byIdempotency[sub.IdempotencyKey]; seen {
		return r, nil
	}
	r, err := s.execute(sub)
	if err != nil {
		return gateway.Receipt{}, err
	}
	s.byIdempotency[sub.IdempotencyKey] = r
	return r, nil
}

func (s *Simulator) execute(sub gateway.Submission) (gateway.Receipt, error) {
	var (
		fill Fill
		err  error
	)
	switch sub.Type {
	case gateway.OrderTypeLimit:
		fill, err = s.ExecuteLimit(sub.Symbol, sub.Side, sub.Quantity, sub.LimitPrice)
	default:
		fill, err = s.ExecuteMarket(sub.Symbol, sub.Side, sub.Quantity)
	}
	if err != nil {
		return gateway.Receipt{}, err
	}
	return gateway.Receipt{ExternalOrderID: fill.OrderID, Status: fill.Status}, nil
}

func (s *Simulator) ExecuteMarket(symbol, side string, qty int64) (Fill, error) {
	q, ok := s.quotes.Get(symbol)
	if !ok {
		return Fill{}, &gateway.ExecutionError{Reason: fmt.Sprintf("no quote for %s", symbol), Retryable: true}
	}
	side = strings.ToLower(strings.TrimSpace(side))
	var price decimal.Decimal
	switch side {
	case "buy":
		price = q.Ask
	case "sell":
		price = q.Bid
	default:
		return Fill{}, gateway.Rejected("unsupported side: %s", side)
	}
	price = applySlippage(price, side, s.cfg.SlippageBps)
	return s.fill(q.Symbol, side, qty, price)
}

func (s *Simulator) ExecuteLimit(symbol, side string, qty int64, limit decimal.Decimal) (Fill, error) {
	q, ok := s.quotes.Get(symbol)
	if !ok {
		return Fill{}, &gateway.ExecutionError{Reason: fmt.Sprintf("no quote for %s", symbol), Retryable: true}
	}
	side = strings.ToLower(strings.TrimSpace(side))

	fillable := false
	execPrice := limit
	switch side {
	case "buy":
		if q.Ask.LessThanOrEqual(limit) {
			fillable = true
			execPrice = q.Ask
		}
	case "sell":
		if q.Bid.GreaterThanOrEqual(limit) {
			fillable = true
			execPrice = q.Bid
		}
	default:
		return Fill{}, gateway.Rejected("unsupported side: %s", side)
	}

	if !fillable {
		return s.openOrder(q.Symbol, side, qty, limit), nil
	}
	execPrice = applySlippage(execPrice, side, s.cfg.SlippageBps)
	return s.fill(q.Symbol, side, qty, execPrice)
}

func (s *Simulator) openOrder(symbol, side string, qty int64, price decimal.Decimal) Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return Fill{
		OrderID:   fmt.Sprintf("paper-order-%06d", s.sequence),
		Symbol:    symbol,
		Side:      side,
		Status:    "new",
		Price:     price,
		Quantity:  qty,
		Notional:  price.Mul(decimal.NewFromInt(qty)),
		Timestamp: time.Now().UTC(),
	}
}

func (s *Simulator) fill(symbol, side string, qty int64, price decimal.Decimal) (Fill, error) {
	if qty <= 0 {
		return Fill{}, gateway.Rejected("quantity must be positive")
	}
	if !price.IsPositive() {
		return Fill{}, gateway.Rejected("invalid execution price %s", price)
	}

	notional := price.Mul(decimal.NewFromInt(qty))
	fee := notional.Mul(s.cfg.FeeBps).Div(bpsDivisor)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch side {
	case "buy":
		if need := notional.Add(fee); need.GreaterThan(s.balance) {
			return Fill{}, gateway.Rejected("insufficient funds: need %s have %s", need.StringFixed(2), s.balance.StringFixed(2))
		}
	case "sell":
		if !s.cfg.AllowShort && s.inventory[symbol] < qty {
			return Fill{}, gateway.Rejected("insufficient position in %s: need %d have %d", symbol, qty, s.inventory[symbol])
		}
	default:
		return Fill{}, gateway.Rejected("unsupported side: %s", side)
	}

	s.sequence++
	orderID := fmt.Sprintf("paper-order-%06d", s.sequence)

	delta := qty
	if side == "buy" {
		s.balance = s.balance.Sub(notional.Add(fee))
	} else {
		s.balance = s.balance.Add(notional.Sub(fee))
		delta = -qty
	}
	s.moveInventory(symbol, delta, price)
	s.feesPaid = s.feesPaid.Add(fee)
	s.totalVolume = s.totalVolume.Add(notional)
	s.totalTrades++

	return Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Status:    "filled",
		Filled:    true,
		Price:     price,
		Quantity:  qty,
		Notional:  notional,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	}, nil
}

// moveInventory applies a signed fill and keeps the average entry price of
// the open position. Caller holds s.mu.
func (s *Simulator) moveInventory(symbol string, delta int64, price decimal.Decimal) {
	pos := s.inventory[symbol]
	next := pos + delta
	switch {
	case next == 0:
		delete(s.inventory, symbol)
		delete(s.avgEntry, symbol)
		return
	case pos == 0 || (pos > 0) != (next > 0):
		// Opened, or flipped through flat.
		s.avgEntry[symbol] = price
	case (pos > 0) == (delta > 0):
		held := decimal.NewFromInt(absInt(pos))
		added := decimal.NewFromInt(absInt(delta))
		s.avgEntry[symbol] = s.avgEntry[symbol].Mul(held).Add(price.Mul(added)).Div(held.Add(added))
	}
	s.inventory[symbol] = next
}

func absInt(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func applySlippage(price decimal.Decimal, side string, slippageBps decimal.Decimal) decimal.Decimal {
	if !slippageBps.IsPositive() {
		return price
	}
	m := slippageBps.Div(bpsDivisor)
	if side == "buy" {
		return price.Mul(decimal.NewFromInt(1).Add(m))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(m))
}
