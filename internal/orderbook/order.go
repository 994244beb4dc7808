package orderbook

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a recommended trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// ParseSide normalizes s and rejects anything but buy, sell or hold.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	case SideHold:
		return SideHold, nil
	}
	return "", &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s)}
}

// State is the lifecycle position of an order.
type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateExecuted  State = "executed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateCancelled
}

// Feature is one recommender-supplied driver behind a recommendation.
type Feature struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Order is a proposed trade and where it is in its lifecycle.
type Order struct {
	ID          string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    int64     `json:"quantity"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation"`
	TopFeatures []Feature `json:"top_features,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	State       State     `json:"state"`

	// Attempt counts releases; it scopes the idempotency key of each submission.
	Attempt         int       `json:"attempt"`
	ClaimedAt       time.Time `json:"claimed_at,omitzero"`
	FinalizedAt     time.Time `json:"finalized_at,omitzero"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// IdempotencyKey identifies the current submission attempt for o.
func (o Order) IdempotencyKey() string {
	return fmt.Sprintf("%s-%d", o.ID, o.Attempt)
}

// Validate normalizes the symbol and checks the fields a recommender supplies.
func (o *Order) Validate() error {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	if o.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	side, err := ParseSide(string(o.Side))
	if err != nil {
		return err
	}
	o.Side = side
	switch {
	case o.Side == SideHold && o.Quantity < 0:
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be >= 0, got %d", o.Quantity)}
	case o.Side != SideHold && o.Quantity <= 0:
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be > 0, got %d", o.Quantity)}
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("must be within [0,1], got %v", o.Confidence)}
	}
	return nil
}
