package orderbook

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown order id.
	ErrNotFound = errors.New("order not found")

	// ErrDuplicateOrder is returned when an order id is reused.
	ErrDuplicateOrder = errors.New("order id already exists")

	// ErrInvalidTransition is returned by Finalize and Release on an order
	// that is not claimed.
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// ValidationError reports a malformed order field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateConflictError is returned when an order cannot be claimed because a
// previous or concurrent call already handled it.
type StateConflictError struct {
	OrderID string
	State   State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("order %s already handled (state %s)", e.OrderID, e.State)
}
