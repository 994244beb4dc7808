package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/audit"
	"github.com/plutusfin/plutus/internal/gateway"
	"github.com/plutusfin/plutus/internal/orderbook"
	"github.com/plutusfin/plutus/internal/risk"
)

// ValidationError reports a malformed direct order.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Proposal is a recommendation submitted by the recommender.
type Proposal struct {
	OrderID     string              `json:"order_id,omitempty"`
	Symbol      string              `json:"symbol"`
	Side        string              `json:"side"`
	Quantity    int64               `json:"quantity"`
	Confidence  float64             `json:"confidence"`
	Explanation string              `json:"explanation"`
	TopFeatures []orderbook.Feature `json:"top_features,omitempty"`
}

// Propose stores a recommendation as a pending order.
func (c *Coordinator) Propose(ctx context.Context, p Proposal) (orderbook.Order, error) {
	if c.ledger.Compromised() {
		return orderbook.Order{}, audit.ErrLedgerCompromised
	}
	order, err := c.book.Create(orderbook.Order{
		ID:          strings.TrimSpace(p.OrderID),
		Symbol:      p.Symbol,
		Side:        orderbook.Side(p.Side),
		Quantity:    p.Quantity,
		Confidence:  p.Confidence,
		Explanation: p.Explanation,
		TopFeatures: p.TopFeatures,
	})
	if err != nil {
		return orderbook.Order{}, err
	}
	details := fmt.Sprintf("Recommended %s %d %s (order %s, confidence %.2f)",
		strings.ToUpper(string(order.Side)), order.Quantity, order.Symbol, order.ID, order.Confidence)
	if _, err := c.appendAudit(ctx, ActorAgent, audit.ActionRecommend, details); err != nil {
		return order, fmt.Errorf("%w: order %s created: %w", ErrAuditWrite, order.ID, err)
	}
	return order, nil
}

// OrderRequest is a direct order placed outside the recommendation flow.
type OrderRequest struct {
	Symbol     string
	Side       string
	Quantity   int64
	Type       string
	LimitPrice *decimal.Decimal
	Actor      string
}

func (r *OrderRequest) normalize() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = strings.ToLower(strings.TrimSpace(r.Side))
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	if r.Type == "" {
		r.Type = string(gateway.OrderTypeMarket)
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if r.Side != "buy" && r.Side != "sell" {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be buy or sell, got %q", r.Side)}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be > 0, got %d", r.Quantity)}
	}
	switch gateway.OrderType(r.Type) {
	case gateway.OrderTypeMarket:
		if r.LimitPrice != nil {
			return &ValidationError{Field: "limit_price", Reason: "only allowed for limit orders"}
		}
	case gateway.OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "limit orders need a positive limit_price"}
		}
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("must be market or limit, got %q", r.Type)}
	}
	if r.Actor == "" {
		r.Actor = ActorUser
	}
	return nil
}

func (r OrderRequest) describe() string {
	s := fmt.Sprintf("%s %d %s", strings.ToUpper(r.Side), r.Quantity, r.Symbol)
	if r.LimitPrice != nil {
		s += " limit " + r.LimitPrice.String()
	}
	return s
}

// PlaceOrder submits a direct order once. It is not tracked in the order
// book; the audit trail and execution journal record it.
func (c *Coordinator) PlaceOrder(ctx context.Context, req OrderRequest) (Outcome, error) {
	if err := req.normalize(); err != nil {
		return Outcome{}, err
	}
	if c.ledger.Compromised() {
		return Outcome{}, audit.ErrLedgerCompromised
	}
	release, err := c.risk.Reserve(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		if errors.Is(err, risk.ErrTradingHalted) {
			return Outcome{}, err
		}
		return Outcome{}, gateway.Rejected("%v", err)
	}

	sub := gateway.Submission{
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Type:           gateway.OrderType(req.Type),
		IdempotencyKey: "direct_" + uuid.NewString(),
	}
	if req.LimitPrice != nil {
		sub.LimitPrice = *req.LimitPrice
	}

	receipt, ee := c.submit(ctx, "", sub)
	release()
	if ee != nil {
		_, err := c.appendAudit(ctx, req.Actor, audit.ActionOrderFailed, req.describe()+": "+ee.Reason)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w (%w: %w)", ee, ErrAuditWrite, err)
		}
		return Outcome{}, ee
	}

	out := Outcome{
		Status:          StatusPlaced,
		ExternalOrderID: receipt.ExternalOrderID,
		BrokerStatus:    receipt.Status,
		Message:         fmt.Sprintf("Successfully submitted %s order for %d shares of %s", req.Side, req.Quantity, req.Symbol),
	}
	details := fmt.Sprintf("%s (external order %s, status %s)", req.describe(), receipt.ExternalOrderID, receipt.Status)
	entry, err := c.appendAudit(ctx, req.Actor, audit.ActionOrderPlaced, details)
	if err != nil {
		return out, fmt.Errorf("%w: direct order %s placed: %w", ErrAuditWrite, receipt.ExternalOrderID, err)
	}
	out.AuditEntryID = entry.ID
	return out, nil
}

// Halt stops confirmations and direct orders. It reports whether trading
// was running before the call.
func (c *Coordinator) Halt(ctx context.Context, actor, reason string) (bool, error) {
	if actor == "" {
		actor = ActorSystem
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual halt"
	}
	if !c.risk.Halt(reason) {
		return false, nil
	}
	c.logger.Warn("trading halted", "actor", actor, "reason", reason)
	c.alert(ctx, func(ctx context.Context) error { return c.notifier.NotifyHalt(ctx, actor, reason) })
	if _, err := c.appendAudit(ctx, actor, audit.ActionTradingHalt, "Trading halted: "+reason); err != nil {
		return true, fmt.Errorf("%w: trading halted: %w", ErrAuditWrite, err)
	}
	return true, nil
}

// Resume lifts a halt. It is refused while the ledger is compromised.
func (c *Coordinator) Resume(ctx context.Context, actor string) (bool, error) {
	if c.ledger.Compromised() {
		return false, audit.ErrLedgerCompromised
	}
	if actor == "" {
		actor = ActorSystem
	}
	if !c.risk.Resume() {
		return false, nil
	}
	c.logger.Info("trading resumed", "actor", actor)
	c.alert(ctx, func(ctx context.Context) error { return c.notifier.NotifyResume(ctx, actor) })
	if _, err := c.appendAudit(ctx, actor, audit.ActionTradingResume, "Trading resumed"); err != nil {
		return true, fmt.Errorf("%w: trading resumed: %w", ErrAuditWrite, err)
	}
	return true, nil
}

// HaltState reports the current trading halt.
func (c *Coordinator) HaltState() risk.HaltState {
	return c.risk.Status()
}

// VerifyLedger checks the audit chain. The first integrity failure halts
// trading, is logged and is alerted once; the ledger then refuses appends.
func (c *Coordinator) VerifyLedger(ctx context.Context) error {
	err := c.ledger.Verify()
	c.metrics.RecordVerification(ctx, err == nil)
	if err == nil {
		return nil
	}

	var ie *audit.IntegrityError
	if !errors.As(err, &ie) {
		return err
	}
	reason := fmt.Sprintf("audit chain broken at index %d", ie.Index)
	c.risk.Halt(reason)
	if c.faultReported.CompareAndSwap(false, true) {
		c.logger.Error("audit ledger integrity failure",
			"index", ie.Index,
			"entry_id", ie.EntryID,
			"reason", ie.Reason,
		)
		c.alert(ctx, func(ctx context.Context) error {
			return c.notifier.NotifyIntegrityFault(ctx, ie.Index, ie.EntryID, ie.Reason)
		})
	}
	return err
}
