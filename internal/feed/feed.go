// Package feed keeps the latest top-of-book quote per symbol. The paper
// gateway prices fills from it.
package feed

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// QuoteBoard maintains an in-memory quote per symbol.
type QuoteBoard struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewQuoteBoard() *QuoteBoard {
	return &QuoteBoard{quotes: make(map[string]Quote)}
}

// Update stores q, replacing any previous quote for the symbol.
func (b *QuoteBoard) Update(q Quote) error {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return fmt.Errorf("quote without symbol")
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("quote for %s: bid and ask must be positive", q.Symbol)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("quote for %s: crossed book bid=%s ask=%s", q.Symbol, q.Bid, q.Ask)
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[q.Symbol] = q
	return nil
}

// SetReference seeds a symbol with a zero-spread quote at price.
func (b *QuoteBoard) SetReference(symbol string, price decimal.Decimal) error {
	return b.Update(Quote{Symbol: symbol, Bid: price, Ask: price})
}

func (b *QuoteBoard) Get(symbol string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(strings.TrimSpace(symbol))]
	return q, ok
}

func (b *QuoteBoard) Mid(symbol string) (decimal.Decimal, error) {
	q, ok := b.Get(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote for %s", symbol)
	}
	return q.Mid(), nil
}

// Symbols returns all quoted symbols, sorted.
func (b *QuoteBoard) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.quotes))
	for id := range b.quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
