// Package orderbook holds proposed trades and enforces their single-use
// lifecycle: pending -> claimed -> executed | cancelled.
package orderbook

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type record struct {
	mu    sync.Mutex
	order Order
}

func (r *record) snapshot() Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.clone()
}

// Book stores orders keyed by id. The map lock is held only for lookups and
// inserts; transitions lock the individual order, so work on one order never
// blocks another.
type Book struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []*record // creation order

	now func() time.Time
}

// NewBook returns an empty Book.
func NewBook() *Book {
	return &Book{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// NewOrderID returns a fresh order id.
func NewOrderID() string {
	return "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create validates o and stores it as pending. An empty ID is generated.
func (b *Book) Create(o Order) (Order, error) {
	if err := o.Validate(); err != nil {
		return Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.ID == "" {
		o.ID = NewOrderID()
		for b.records[o.ID] != nil {
			o.ID = NewOrderID()
		}
	} else if _, ok := b.records[o.ID]; ok {
		return Order{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.now().UTC()
	}
	o.State = StatePending
	o.Attempt = 0
	o.ClaimedAt = time.Time{}
	o.FinalizedAt = time.Time{}
	o.ExternalOrderID = ""
	o.LastError = ""

	r := &record{order: o.clone()}
	b.records[o.ID] = r
	b.order = append(b.order, r)
	return o, nil
}

// Get returns a copy of the order.
func (b *Book) Get(id string) (Order, error) {
	r, err := b.lookup(id)
	if err != nil {
		return Order{}, err
	}
	return r.snapshot(), nil
}

// ListPending returns pending orders in creation order.
func (b *Book) ListPending() []Order {
	return b.List(StatePending)
}

// List returns orders in state s, in creation order.
func (b *Book) List(s State) []Order {
	b.mu.RLock()
	recs := b.order[:len(b.order):len(b.order)]
	b.mu.RUnlock()

	var out []Order
	for _, r := range recs {
		o := r.snapshot()
		if o.State == s {
			out = append(out, o)
		}
	}
	return out
}

// TryClaim atomically moves a pending order to claimed. Exactly one of any
// number of concurrent callers succeeds; the rest get *StateConflictError.
func (b *Book) TryClaim(id string) (Order, error) {
	r, err := b.lookup(id)
	if err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order.State != StatePending {
		return Order{}, &StateConflictError{OrderID: id, State: r.order.State}
	}
	r.order.State = StateClaimed
	r.order.ClaimedAt = b.now().UTC()
	return r.order.clone(), nil
}

// Finalize moves a claimed order to executed or cancelled. externalID is the
// brokerage order id for executed orders and may be empty.
func (b *Book) Finalize(id string, target State, externalID string) (Order, error) {
	if !target.Terminal() {
		return Order{}, fmt.Errorf("%w: finalize target %s is not terminal", ErrInvalidTransition, target)
	}
	r, err := b.lookup(id)
	if err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order.State != StateClaimed {
		return Order{}, fmt.Errorf("%w: %s is %s, not claimed", ErrInvalidTransition, id, r.order.State)
	}
	r.order.State = target
	r.order.FinalizedAt = b.now().UTC()
	r.order.ExternalOrderID = externalID
	if target == StateExecuted {
		r.order.LastError = ""
	}
	return r.order.clone(), nil
}

// NoteFailure records why the last submission of a claimed order failed.
func (b *Book) NoteFailure(id, reason string) (Order, error) {
	r, err := b.lookup(id)
	if err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order.State != StateClaimed {
		return Order{}, fmt.Errorf("%w: %s is %s, not claimed", ErrInvalidTransition, id, r.order.State)
	}
	r.order.LastError = reason
	return r.order.clone(), nil
}

// Release returns a claimed order to pending so it can be claimed again.
// The attempt counter is bumped so the next submission gets a new key.
func (b *Book) Release(id string) (Order, error) {
	r, err := b.lookup(id)
	if err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order.State != StateClaimed {
		return Order{}, fmt.Errorf("%w: %s is %s, not claimed", ErrInvalidTransition, id, r.order.State)
	}
	r.order.State = StatePending
	r.order.Attempt++
	r.order.ClaimedAt = time.Time{}
	return r.order.clone(), nil
}

func (b *Book) lookup(id string) (*record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (o Order) clone() Order {
	if o.TopFeatures != nil {
		o.TopFeatures = append([]Feature(nil), o.TopFeatures...)
	}
	return o
}
