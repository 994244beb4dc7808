// Package execution keeps a per-attempt journal of gateway submissions.
package execution

import (
	"sync"
	"time"

	"github.com/plutusfin/plutus/internal/gateway"
)

// Status of a journaled attempt.
type Status string

const (
	StatusInFlight Status = "in_flight"
	StatusAccepted Status = "accepted"
	StatusFailed   Status = "failed"
)

// Attempt is one submission to the gateway.
type Attempt struct {
	Seq             int64             `json:"seq"`
	OrderID         string            `json:"order_id,omitempty"` // empty for direct orders
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Symbol          string            `json:"symbol"`
	Side            string            `json:"side"`
	Quantity        int64             `json:"quantity"`
	Type            gateway.OrderType `json:"type"`
	Status          Status            `json:"status"`
	BrokerStatus    string            `json:"broker_status,omitempty"`
	ExternalOrderID string            `json:"external_order_id,omitempty"`
	Error           string            `json:"error,omitempty"`
	Retryable       bool              `json:"retryable,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at,omitzero"`
}

// Latency is zero while the attempt is in flight.
func (a Attempt) Latency() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Position is the net quantity accepted by the gateway for a symbol.
type Position struct {
	Symbol      string `json:"symbol"`
	NetQuantity int64  `json:"net_quantity"`
	TotalOrders int    `json:"total_orders"`
}

// Journal records attempts in submission order.
type Journal struct {
	mu        sync.RWMutex
	seq       int64
	attempts  []*Attempt
	bySeq     map[int64]*Attempt
	positions map[string]*Position
	now       func() time.Time
	OnFinish  func(Attempt) // called outside the lock when an attempt completes
}

func NewJournal() *Journal {
	return &Journal{
		bySeq:     make(map[int64]*Attempt),
		positions: make(map[string]*Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Begin records a submission about to be sent and returns its sequence number.
func (j *Journal) Begin(orderID string, sub gateway.Submission) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	orderType := sub.Type
	if orderType == "" {
		orderType = gateway.OrderTypeMarket
	}
	a := &Attempt{
		Seq:            j.seq,
		OrderID:        orderID,
		IdempotencyKey: sub.IdempotencyKey,
		Symbol:         sub.Symbol,
		Side:           sub.Side,
		Quantity:       sub.Quantity,
		Type:           orderType,
		Status:         StatusInFlight,
		StartedAt:      j.now(),
	}
	j.attempts = append(j.attempts, a)
	j.bySeq[a.Seq] = a
	return a.Seq
}

// Accept marks an attempt as acknowledged by the gateway.
func (j *Journal) Accept(seq int64, r gateway.Receipt) {
	j.mu.Lock()
	a, ok := j.bySeq[seq]
	if !ok || a.Status != StatusInFlight {
		j.mu.Unlock()
		return
	}
	a.Status = StatusAccepted
	a.ExternalOrderID = r.ExternalOrderID
	a.BrokerStatus = r.Status
	a.FinishedAt = j.now()
	j.updatePosition(a)
	done := *a
	cb := j.OnFinish
	j.mu.Unlock()

	if cb != nil {
		cb(done)
	}
}

// Fail marks an attempt as failed.
func (j *Journal) Fail(seq int64, ee *gateway.ExecutionError) {
	j.mu.Lock()
	a, ok := j.bySeq[seq]
	if !ok || a.Status != StatusInFlight {
		j.mu.Unlock()
		return
	}
	a.Status = StatusFailed
	if ee != nil {
		a.Error = ee.Reason
		a.Retryable = ee.Retryable
	}
	a.FinishedAt = j.now()
	done := *a
	cb := j.OnFinish
	j.mu.Unlock()

	if cb != nil {
		cb(done)
	}
}

// updatePosition adjusts the net position for an accepted attempt. Caller must hold j.mu.
func (j *Journal) updatePosition(a *Attempt) {
	pos, ok := j.positions[a.Symbol]
	if !ok {
		pos = &Position{Symbol: a.Symbol}
		j.positions[a.Symbol] = pos
	}
	pos.TotalOrders++
	if a.Side == "sell" {
		pos.NetQuantity -= a.Quantity
	} else {
		pos.NetQuantity += a.Quantity
	}
}

// Positions returns a snapshot of all positions.
func (j *Journal) Positions() map[string]Position {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[string]Position, len(j.positions))
	for k, v := range j.positions {
		out[k] = *v
	}
	return out
}

// ForOrder returns every attempt for a pending order, oldest first.
func (j *Journal) ForOrder(orderID string) []Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Attempt
	for _, a := range j.attempts {
		if a.OrderID == orderID {
			out = append(out, *a)
		}
	}
	return out
}

// InFlight returns attempts that have not completed.
func (j *Journal) InFlight() []Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Attempt
	for _, a := range j.attempts {
		if a.Status == StatusInFlight {
			out = append(out, *a)
		}
	}
	return out
}

// Counts returns the number of attempts per status.
func (j *Journal) Counts() map[Status]int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[Status]int, 3)
	for _, a := range j.attempts {
		out[a.Status]++
	}
	return out
}

// Recent returns the last N attempts (most recent first).
func (j *Journal) Recent(limit int) []Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := len(j.attempts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Attempt, limit)
	for i := 0; i < limit; i++ {
		out[i] = *j.attempts[n-1-i]
	}
	return out
}
