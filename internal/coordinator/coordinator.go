// Package coordinator implements the confirm/reject protocol for pending
// orders. An order is claimed before the gateway is called and finalized
// after the result is known, so each order reaches the brokerage at most once
// per attempt and the audit trail is written only after the order state
// reflects the outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/plutusfin/plutus/internal/audit"
	"github.com/plutusfin/plutus/internal/execution"
	"github.com/plutusfin/plutus/internal/gateway"
	"github.com/plutusfin/plutus/internal/orderbook"
	"github.com/plutusfin/plutus/internal/risk"
	"github.com/plutusfin/plutus/internal/telemetry"
)

// ErrAuditWrite wraps a failed audit append that followed a completed state
// change. The accompanying outcome is still valid.
var ErrAuditWrite = errors.New("audit entry could not be written")

const (
	ActorUser   = "User"
	ActorAgent  = "Agent"
	ActorSystem = "System"
)

// Outcome statuses.
const (
	StatusExecuted     = "executed"
	StatusAcknowledged = "acknowledged"
	StatusCancelled    = "cancelled"
	StatusReleased     = "released"
	StatusPlaced       = "placed"
)

// Notifier defines the alerts sent by the coordinator.
type Notifier interface {
	NotifyExecuted(ctx context.Context, orderID, side, symbol string, qty int64, externalID, status string) error
	NotifyExecutionFailed(ctx context.Context, orderID, symbol, reason string, retryable bool) error
	NotifyIntegrityFault(ctx context.Context, index int, entryID, reason string) error
	NotifyHalt(ctx context.Context, actor, reason string) error
	NotifyResume(ctx context.Context, actor string) error
}

type Config struct {
	// SubmitTimeout bounds each gateway call. A timeout leaves the order claimed.
	SubmitTimeout time.Duration
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 30 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Coordinator. Ledger, Book and Gateway are
// required; the rest may be nil.
type Deps struct {
	Ledger   *audit.Ledger
	Book     *orderbook.Book
	Gateway  gateway.Gateway
	Risk     *risk.Manager
	Journal  *execution.Journal
	Notifier Notifier
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Outcome is the result of a decision on an order.
type Outcome struct {
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	ExternalOrderID string `json:"external_order_id,omitempty"`
	BrokerStatus    string `json:"broker_status,omitempty"`
	Message         string `json:"message"`
	AuditEntryID    string `json:"audit_entry_id,omitempty"`
}

type Coordinator struct {
	cfg      Config
	ledger   *audit.Ledger
	book     *orderbook.Book
	gw       gateway.Gateway
	risk     *risk.Manager
	journal  *execution.Journal
	notifier Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	faultReported atomic.Bool
}

func New(deps Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if deps.Risk == nil {
		deps.Risk = risk.New(risk.Config{})
	}
	if deps.Journal == nil {
		deps.Journal = execution.NewJournal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		ledger:   deps.Ledger,
		book:     deps.Book,
		gw:       deps.Gateway,
		risk:     deps.Risk,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// Confirm claims a pending order and executes it. Not-found and conflict
// errors from the claim are returned unchanged and nothing is submitted.
// On a gateway failure the order stays claimed and the *gateway.ExecutionError
// is returned; Release makes it claimable again.
func (c *Coordinator) Confirm(ctx context.Context, orderID string) (Outcome, error) {
	if c.ledger.Compromised() {
		return Outcome{}, audit.ErrLedgerCompromised
	}
	if err := c.risk.CheckHalt(); err != nil {
		return Outcome{}, err
	}

	order, err := c.book.TryClaim(orderID)
	if err != nil {
		c.recordClaimFailure(ctx, err)
		return Outcome{}, err
	}

	if order.Side == orderbook.SideHold {
		return c.acknowledgeHold(ctx, order)
	}

	release, err := c.risk.Reserve(order.Symbol, string(order.Side), order.Quantity)
	if err != nil {
		ee := &gateway.ExecutionError{Reason: err.Error(), Retryable: errors.Is(err, risk.ErrTradingHalted), Err: err}
		return Outcome{}, c.failClaimed(ctx, order, ee)
	}

	sub := gateway.Submission{
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Quantity:       order.Quantity,
		Type:           gateway.OrderTypeMarket,
		IdempotencyKey: order.IdempotencyKey(),
	}
	receipt, ee := c.submit(ctx, order.ID, sub)
	release()
	if ee != nil {
		return Outcome{}, c.failClaimed(ctx, order, ee)
	}

	if _, err := c.book.Finalize(order.ID, orderbook.StateExecuted, receipt.ExternalOrderID); err != nil {
		// Only this call holds the claim, so this indicates a bug.
		c.logger.Error("finalize executed order failed",
			"order_id", order.ID,
			"external_order_id", receipt.ExternalOrderID,
			"error", err,
		)
		return Outcome{}, fmt.Errorf("finalize executed order %s: %w", order.ID, err)
	}

	out := Outcome{
		OrderID:         order.ID,
		Status:          StatusExecuted,
		ExternalOrderID: receipt.ExternalOrderID,
		BrokerStatus:    receipt.Status,
		Message:         fmt.Sprintf("Successfully executed %s order for %s", order.Side, order.Symbol),
	}
	details := fmt.Sprintf("Approved %s %d %s (external order %s, status %s)",
		strings.ToUpper(string(order.Side)), order.Quantity, order.Symbol, receipt.ExternalOrderID, receipt.Status)
	entry, err := c.appendAudit(ctx, ActorUser, audit.ActionApprove, details)
	c.metrics.RecordDecision(ctx, StatusExecuted)
	c.alert(ctx, func(ctx context.Context) error {
		return c.notifier.NotifyExecuted(ctx, order.ID, string(order.Side), order.Symbol, order.Quantity, receipt.ExternalOrderID, receipt.Status)
	})
	if err != nil {
		return out, fmt.Errorf("%w: order %s executed: %w", ErrAuditWrite, order.ID, err)
	}
	out.AuditEntryID = entry.ID
	return out, nil
}

func (c *Coordinator) acknowledgeHold(ctx context.Context, order orderbook.Order) (Outcome, error) {
	if _, err := c.book.Finalize(order.ID, orderbook.StateCancelled, ""); err != nil {
		c.logger.Error("finalize hold order failed", "order_id", order.ID, "error", err)
		return Outcome{}, fmt.Errorf("finalize hold order %s: %w", order.ID, err)
	}
	out := Outcome{
		OrderID: order.ID,
		Status:  StatusAcknowledged,
		Message: "Hold recommendation acknowledged",
	}
	entry, err := c.appendAudit(ctx, ActorUser, audit.ActionApprove, "Acknowledged HOLD for "+order.Symbol)
	c.metrics.RecordDecision(ctx, StatusAcknowledged)
	if err != nil {
		return out, fmt.Errorf("%w: hold %s acknowledged: %w", ErrAuditWrite, order.ID, err)
	}
	out.AuditEntryID = entry.ID
	return out, nil
}

// failClaimed records an execution failure on a claimed order and returns
// the error for the caller. The order is left claimed.
func (c *Coordinator) failClaimed(ctx context.Context, order orderbook.Order, ee *gateway.ExecutionError) error {
	if _, err := c.book.NoteFailure(order.ID, ee.Reason); err != nil {
		c.logger.Warn("record execution failure on order", "order_id", order.ID, "error", err)
	}
	c.logger.Warn("order execution failed",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"reason", ee.Reason,
		"retryable", ee.Retryable,
	)
	details := fmt.Sprintf("Execution failed for %s %d %s (attempt %d): %s",
		strings.ToUpper(string(order.Side)), order.Quantity, order.Symbol, order.Attempt, ee.Reason)
	_, err := c.appendAudit(ctx, ActorSystem, audit.ActionExecutionFailed, details)
	c.metrics.RecordDecision(ctx, "failed")
	c.alert(ctx, func(ctx context.Context) error {
		return c.notifier.NotifyExecutionFailed(ctx, order.ID, order.Symbol, ee.Reason, ee.Retryable)
	})
	if err != nil {
		return fmt.Errorf("%w (%w: %w)", ee, ErrAuditWrite, err)
	}
	return ee
}

// Reject cancels a pending order without contacting the gateway.
func (c *Coordinator) Reject(ctx context.Context, orderID string) (Outcome, error) {
	if c.ledger.Compromised() {
		return Outcome{}, audit.ErrLedgerCompromised
	}
	order, err := c.book.TryClaim(orderID)
	if err != nil {
		c.recordClaimFailure(ctx, err)
		return Outcome{}, err
	}
	if _, err := c.book.Finalize(order.ID, orderbook.StateCancelled, ""); err != nil {
		c.logger.Error("finalize rejected order failed", "order_id", order.ID, "error", err)
		return Outcome{}, fmt.Errorf("finalize rejected order %s: %w", order.ID, err)
	}
	out := Outcome{
		OrderID: order.ID,
		Status:  StatusCancelled,
		Message: "Recommendation rejected",
	}
	details := fmt.Sprintf("Rejected %s recommendation for %s", strings.ToUpper(string(order.Side)), order.Symbol)
	entry, err := c.appendAudit(ctx, ActorUser, audit.ActionOverride, details)
	c.metrics.RecordDecision(ctx, "rejected")
	if err != nil {
		return out, fmt.Errorf("%w: order %s rejected: %w", ErrAuditWrite, order.ID, err)
	}
	out.AuditEntryID = entry.ID
	return out, nil
}

// Release returns a claimed order to pending after an operator has checked
// the brokerage. The next confirm uses a new idempotency key.
func (c *Coordinator) Release(ctx context.Context, orderID, actor string) (Outcome, error) {
	if c.ledger.Compromised() {
		return Outcome{}, audit.ErrLedgerCompromised
	}
	if actor == "" {
		actor = ActorSystem
	}
	before, err := c.book.Get(orderID)
	if err != nil {
		return Outcome{}, err
	}
	order, err := c.book.Release(orderID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		OrderID: order.ID,
		Status:  StatusReleased,
		Message: "Order returned to pending",
	}
	details := fmt.Sprintf("Released %s %d %s for retry (attempt %d)",
		strings.ToUpper(string(order.Side)), order.Quantity, order.Symbol, order.Attempt)
	if before.LastError != "" {
		details += ", last error: " + before.LastError
	}
	entry, err := c.appendAudit(ctx, actor, audit.ActionRelease, details)
	if err != nil {
		return out, fmt.Errorf("%w: order %s released: %w", ErrAuditWrite, order.ID, err)
	}
	out.AuditEntryID = entry.ID
	return out, nil
}

// submit calls the gateway under the submit timeout and journals the attempt.
// The caller holds a risk reservation and releases it after submit returns,
// once the journal positions have been synced.
func (c *Coordinator) submit(ctx context.Context, orderID string, sub gateway.Submission) (gateway.Receipt, *gateway.ExecutionError) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	seq := c.journal.Begin(orderID, sub)
	defer c.syncRisk()

	start := time.Now()
	receipt, err := c.gw.Submit(ctx, sub)
	elapsed := time.Since(start)
	if err != nil {
		ee := gateway.AsExecutionError(err)
		c.journal.Fail(seq, ee)
		c.metrics.RecordSubmit(ctx, elapsed, "failed", ee.Retryable)
		return gateway.Receipt{}, ee
	}
	c.journal.Accept(seq, receipt)
	c.metrics.RecordSubmit(ctx, elapsed, "accepted", false)
	c.logger.Info("order submitted",
		"order_id", orderID,
		"idempotency_key", sub.IdempotencyKey,
		"external_order_id", receipt.ExternalOrderID,
		"status", receipt.Status,
		"elapsed", elapsed,
	)
	return receipt, nil
}

func (c *Coordinator) syncRisk() {
	c.risk.SyncFromJournal(c.journal.Positions())
}

func (c *Coordinator) appendAudit(ctx context.Context, actor, action, details string) (audit.Entry, error) {
	entry, err := c.ledger.Append(actor, action, details)
	if err != nil {
		c.logger.Error("audit append failed", "action", action, "actor", actor, "error", err)
		return audit.Entry{}, err
	}
	c.metrics.RecordAuditEntry(ctx, action)
	c.logger.Debug("audit entry appended", "entry_id", entry.ID, "action", action, "actor", actor)
	return entry, nil
}

func (c *Coordinator) recordClaimFailure(ctx context.Context, err error) {
	var sc *orderbook.StateConflictError
	if errors.As(err, &sc) {
		c.metrics.RecordDecision(ctx, "conflict")
	}
}

// alert runs fn against the notifier, detached from the caller's
// cancellation and bounded by the notify timeout.
func (c *Coordinator) alert(ctx context.Context, fn func(context.Context) error) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.NotifyTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("notification failed", "error", err)
	}
}
