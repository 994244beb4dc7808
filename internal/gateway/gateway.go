// Package gateway defines the contract with the brokerage that actually
// places trades. Adapters live in subpackages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderType is the brokerage order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Submission is an order handed to the brokerage.
type Submission struct {
	Symbol   string
	Side     string // "buy" or "sell"
	Quantity int64
	Type     OrderType
	// LimitPrice is set only for limit orders.
	LimitPrice decimal.Decimal
	// IdempotencyKey must be unique per submission attempt; brokerages that
	// support client order ids use it to reject duplicates.
	IdempotencyKey string
}

// Receipt is the brokerage's acknowledgement of an accepted order.
type Receipt struct {
	ExternalOrderID string
	Status          string
}

// Gateway submits orders to a brokerage.
type Gateway interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}

// ExecutionError is a rejected or failed submission. Retryable tells the
// caller whether a later attempt may succeed.
type ExecutionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("execution failed (retryable): %s", e.Reason)
	}
	return fmt.Sprintf("execution failed: %s", e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Rejected returns a non-retryable ExecutionError.
func Rejected(format string, args ...any) *ExecutionError {
	return &ExecutionError{Reason: fmt.Sprintf(format, args...)}
}

// AsExecutionError converts any submission failure into an *ExecutionError.
// Deadline and cancellation errors are retryable with an unknown outcome;
// unclassified errors are not retryable.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ExecutionError{Reason: "submission timed out, outcome unknown", Retryable: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &ExecutionError{Reason: "submission cancelled, outcome unknown", Retryable: true, Err: err}
	}
	return &ExecutionError{Reason: err.Error(), Err: err}
}

// Validate checks a submission before it leaves the process.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return Rejected("symbol is required")
	}
	if s.Side != "buy" && s.Side != "sell" {
		return Rejected("unsupported side %q", s.Side)
	}
	if s.Quantity <= 0 {
		return Rejected("quantity must be positive, got %d", s.Quantity)
	}
	switch s.Type {
	case OrderTypeMarket, "":
	case OrderTypeLimit:
		if !s.LimitPrice.IsPositive() {
			return Rejected("limit orders need a positive limit price")
		}
	default:
		return Rejected("unsupported order type %q", s.Type)
	}
	return nil
}
