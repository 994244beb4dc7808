// Package portfolio reads open positions from the active brokerage.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/feed"
	"github.com/plutusfin/plutus/internal/gateway/alpaca"
	"github.com/plutusfin/plutus/internal/gateway/paper"
)

type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// Source lists positions held at a brokerage.
type Source interface {
	Positions(ctx context.Context) ([]Position, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Position, error)

func (f SourceFunc) Positions(ctx context.Context) ([]Position, error) { return f(ctx) }

// FromAlpaca reads positions from the Alpaca account.
func FromAlpaca(c *alpaca.Client) Source {
	return SourceFunc(func(ctx context.Context) ([]Position, error) {
		raw, err := c.Positions(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Position, 0, len(raw))
		for _, p := range raw {
			out = append(out, Position{
				Symbol:        p.Symbol,
				Qty:           p.Qty,
				AvgEntryPrice: p.AvgEntryPrice,
				MarketValue:   p.MarketValue,
				CurrentPrice:  p.CurrentPrice,
				UnrealizedPL:  p.UnrealizedPL,
			})
		}
		return out, nil
	})
}

// FromPaper values the simulator's inventory at the quote board mid.
// Symbols without a quote are reported at their entry price.
func FromPaper(sim *paper.Simulator, quotes *feed.QuoteBoard) Source {
	return SourceFunc(func(context.Context) ([]Position, error) {
		snap := sim.Snapshot()
		out := make([]Position, 0, len(snap.InventoryBySymbol))
		for symbol, qty := range snap.InventoryBySymbol {
			avg := snap.AvgEntryBySymbol[symbol]
			price, err := quotes.Mid(symbol)
			if err != nil {
				price = avg
			}
			q := decimal.NewFromInt(qty)
			out = append(out, Position{
				Symbol:        symbol,
				Qty:           q,
				AvgEntryPrice: avg,
				MarketValue:   price.Mul(q),
				CurrentPrice:  price,
				UnrealizedPL:  price.Sub(avg).Mul(q),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
		return out, nil
	})
}

// Snapshot is the result of the last successful sync.
type Snapshot struct {
	Positions  []Position      `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"`
	LastSync   time.Time       `json:"last_sync,omitzero"`
	LastError  string          `json:"last_error,omitempty"`
}

// Tracker caches brokerage positions and refreshes them periodically.
type Tracker struct {
	source       Source
	syncInterval time.Duration
	logger       *slog.Logger

	mu         sync.RWMutex
	positions  []Position
	totalValue decimal.Decimal
	lastSync   time.Time
	lastErr    string
}

func NewTracker(source Source, syncInterval time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{source: source, syncInterval: syncInterval, logger: logger}
}

// Sync fetches current positions. On failure the previous positions are kept.
func (t *Tracker) Sync(ctx context.Context) error {
	positions, err := t.source.Positions(ctx)
	if err != nil {
		t.mu.Lock()
		t.lastErr = err.Error()
		t.mu.Unlock()
		return fmt.Errorf("portfolio sync: %w", err)
	}

	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.MarketValue)
	}

	t.mu.Lock()
	t.positions = positions
	t.totalValue = total
	t.lastSync = time.Now().UTC()
	t.lastErr = ""
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Positions:  append([]Position(nil), t.positions...),
		TotalValue: t.totalValue,
		LastSync:   t.lastSync,
		LastError:  t.lastErr,
	}
}

// Run syncs once, then on every tick. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Sync(ctx); err != nil {
		t.logger.Warn("portfolio initial sync", "error", err)
	}
	if t.syncInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sync(ctx); err != nil {
				t.logger.Warn("portfolio sync", "error", err)
			}
		}
	}
}
