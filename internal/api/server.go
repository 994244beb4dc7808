package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/plutusfin/plutus/internal/audit"
	"github.com/plutusfin/plutus/internal/coordinator"
	"github.com/plutusfin/plutus/internal/execution"
	"github.com/plutusfin/plutus/internal/gateway"
	"github.com/plutusfin/plutus/internal/gateway/paper"
	"github.com/plutusfin/plutus/internal/orderbook"
	"github.com/plutusfin/plutus/internal/portfolio"
	"github.com/plutusfin/plutus/internal/risk"
)

const (
	defaultAuditLimit     = 50
	defaultExecutionLimit = 50
	maxBodyBytes          = 1 << 20
)

// Workflow is the decision surface served by the API.
type Workflow interface {
	Confirm(ctx context.Context, orderID string) (coordinator.Outcome, error)
	Reject(ctx context.Context, orderID string) (coordinator.Outcome, error)
	Release(ctx context.Context, orderID, actor string) (coordinator.Outcome, error)
	Propose(ctx context.Context, p coordinator.Proposal) (orderbook.Order, error)
	PlaceOrder(ctx context.Context, req coordinator.OrderRequest) (coordinator.Outcome, error)
	Halt(ctx context.Context, actor, reason string) (bool, error)
	Resume(ctx context.Context, actor string) (bool, error)
	HaltState() risk.HaltState
	VerifyLedger(ctx context.Context) error
}

// Orders exposes read access to the order book.
type Orders interface {
	Get(id string) (orderbook.Order, error)
	ListPending() []orderbook.Order
	List(s orderbook.State) []orderbook.Order
}

// AuditTrail exposes read access to the ledger.
type AuditTrail interface {
	Recent(n int) []audit.Entry
	Len() int
	Compromised() bool
}

// Executions exposes the execution journal.
type Executions interface {
	Recent(limit int) []execution.Attempt
	Counts() map[execution.Status]int
	Positions() map[string]execution.Position
}

// PaperProvider exposes the paper account (nil when another gateway runs).
type PaperProvider interface {
	Snapshot() paper.Snapshot
}

// PortfolioReader reads brokerage positions (nil when the gateway has none).
type PortfolioReader interface {
	Sync(ctx context.Context) error
	Snapshot() portfolio.Snapshot
}

// LedgerWatch reports the periodic ledger verification.
type LedgerWatch interface {
	Status() audit.CheckStatus
}

// Options wires a Server. Workflow, Orders and Audit are required.
type Options struct {
	Addr       string
	AdminToken string
	Gateway    string
	Workflow   Workflow
	Orders     Orders
	Audit      AuditTrail
	Executions Executions
	Paper      PaperProvider
	Portfolio  PortfolioReader
	Watchdog   LedgerWatch
	Logger     *slog.Logger
}

// Server is the HTTP API for the confirmation workflow.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a new API server bound to opts.Addr.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/pending", s.handlePending)
			r.Post("/pending", s.handlePropose)
			r.Get("/claimed", s.handleClaimed)
			r.Get("/{id}", s.handleOrder)
			r.Post("/{id}/confirm", s.handleConfirm)
			r.Post("/{id}/reject", s.handleReject)
			r.With(s.requireAdmin).Post("/{id}/release", s.handleRelease)
		})
		r.Post("/trade/confirm", s.handleTradeConfirm)
		r.Post("/post_order", s.handlePostOrder)

		r.Get("/audit", s.handleAudit)
		r.Get("/audit/verify", s.handleVerify)
		r.Get("/executions", s.handleExecutions)
		r.Get("/paper", s.handlePaper)
		r.Get("/portfolio", s.handlePortfolio)

		r.Route("/trading", func(r chi.Router) {
			r.Get("/", s.handleTradingState)
			r.With(s.requireAdmin).Post("/halt", s.handleHalt)
			r.With(s.requireAdmin).Post("/resume", s.handleResume)
		})
	})
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "bad_request",
			"detail": "invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

// writeError maps a workflow error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		orderInvalid  *orderbook.ValidationError
		requestBad    *coordinator.ValidationError
		conflict      *orderbook.StateConflictError
		execErr       *gateway.ExecutionError
		integrity     *audit.IntegrityError
		limitExceeded *risk.LimitError
	)
	body := map[string]any{"detail": err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &orderInvalid):
		status = http.StatusBadRequest
		body["error"] = "validation"
		body["field"] = orderInvalid.Field
	case errors.As(err, &requestBad):
		status = http.StatusBadRequest
		body["error"] = "validation"
		body["field"] = requestBad.Field
	case errors.Is(err, orderbook.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
	case errors.Is(err, orderbook.ErrDuplicateOrder):
		status = http.StatusConflict
		body["error"] = "duplicate_order"
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body["error"] = "already_handled"
		body["state"] = conflict.State
	case errors.Is(err, orderbook.ErrInvalidTransition):
		status = http.StatusConflict
		body["error"] = "invalid_transition"
	case errors.As(err, &execErr):
		status = http.StatusBadGateway
		body["error"] = "execution_failed"
		body["detail"] = execErr.Reason
		body["retryable"] = execErr.Retryable
	case errors.Is(err, risk.ErrTradingHalted):
		status = http.StatusLocked
		body["error"] = "trading_halted"
	case errors.As(err, &limitExceeded):
		status = http.StatusUnprocessableEntity
		body["error"] = "risk_limit"
		body["limit"] = limitExceeded.Limit
	case errors.Is(err, audit.ErrLedgerCompromised):
		status = http.StatusServiceUnavailable
		body["error"] = "ledger_compromised"
	case errors.As(err, &integrity):
		body["error"] = "integrity_error"
		body["index"] = integrity.Index
	case errors.Is(err, coordinator.ErrAuditWrite):
		body["error"] = "audit_write_failed"
	default:
		body["error"] = "internal"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, body)
}

// writeOutcome answers a decision. An outcome that completed but whose audit
// append failed is still reported, flagged with audit_error.
func (s *Server) writeOutcome(w http.ResponseWriter, out coordinator.Outcome, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, out)
		return
	}
	if out.Status != "" && errors.Is(err, coordinator.ErrAuditWrite) {
		s.logger.Error("decision completed without audit entry", "order_id", out.OrderID, "status", out.Status, "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"order_id":          out.OrderID,
			"status":            out.Status,
			"external_order_id": out.ExternalOrderID,
			"broker_status":     out.BrokerStatus,
			"message":           out.Message,
			"audit_error":       err.Error(),
		})
		return
	}
	s.writeError(w, err)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.opts.AdminToken
		if token == "" {
			s.writeJSON(w, http.StatusForbidden, map[string]string{
				"error":  "forbidden",
				"detail": "operator endpoints are disabled (no admin token configured)",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Token")), []byte(token)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /api/health: liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/ready: readiness probe. Not ready once the ledger is compromised.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	halt := s.opts.Workflow.HaltState()
	compromised := s.opts.Audit.Compromised()
	resp := map[string]any{
		"ready":          !compromised,
		"gateway":        s.opts.Gateway,
		"trading_halted": halt.Halted,
		"audit_entries":  s.opts.Audit.Len(),
		"uptime_s":       time.Since(s.startedAt).Seconds(),
	}
	if s.opts.Watchdog != nil {
		resp["ledger_check"] = s.opts.Watchdog.Status()
	}
	status := http.StatusOK
	if compromised {
		resp["reason"] = "ledger_compromised"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// GET /api/orders/pending
func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	orders := s.opts.Orders.ListPending()
	s.writeJSON(w, http.StatusOK, map[string]any{"pending_orders": orders, "count": len(orders)})
}

// GET /api/orders/claimed: orders waiting on a gateway answer or a release.
func (s *Server) handleClaimed(w http.ResponseWriter, _ *http.Request) {
	orders := s.opts.Orders.List(orderbook.StateClaimed)
	s.writeJSON(w, http.StatusOK, map[string]any{"claimed_orders": orders, "count": len(orders)})
}

// GET /api/orders/{id}
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.opts.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// POST /api/orders/pending: recommender intake.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p coordinator.Proposal
	if !s.readJSON(w, r, &p) {
		return
	}
	order, err := s.opts.Workflow.Propose(r.Context(), p)
	if err != nil && order.ID == "" {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Error("order stored without audit entry", "order_id", order.ID, "error", err)
	}
	s.writeJSON(w, http.StatusCreated, order)
}

// POST /api/orders/{id}/confirm
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	// The client going away must not abort a submission already underway.
	ctx := context.WithoutCancel(r.Context())
	out, err := s.opts.Workflow.Confirm(ctx, chi.URLParam(r, "id"))
	s.writeOutcome(w, out, err)
}

// POST /api/orders/{id}/reject
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Workflow.Reject(r.Context(), chi.URLParam(r, "id"))
	s.writeOutcome(w, out, err)
}

// POST /api/orders/{id}/release: operator only.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Workflow.Release(r.Context(), chi.URLParam(r, "id"), operatorActor(r))
	s.writeOutcome(w, out, err)
}

type tradeConfirmRequest struct {
	OrderID string `json:"order_id"`
	Confirm *bool  `json:"confirm"`
}

// POST /api/trade/confirm: {order_id, confirm}.
func (s *Server) handleTradeConfirm(w http.ResponseWriter, r *http.Request) {
	var req tradeConfirmRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || req.Confirm == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "validation",
			"detail": "order_id and confirm are required",
		})
		return
	}
	var (
		out coordinator.Outcome
		err error
	)
	if *req.Confirm {
		out, err = s.opts.Workflow.Confirm(context.WithoutCancel(r.Context()), req.OrderID)
	} else {
		out, err = s.opts.Workflow.Reject(r.Context(), req.OrderID)
	}
	s.writeOutcome(w, out, err)
}

type postOrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Quantity   int64            `json:"quantity"`
	OrderType  string           `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
}

// POST /api/post_order: direct order outside the recommendation flow.
func (s *Server) handlePostOrder(w http.ResponseWriter, r *http.Request) {
	var req postOrderRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	out, err := s.opts.Workflow.PlaceOrder(context.WithoutCancel(r.Context()), coordinator.OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.OrderType,
		LimitPrice: req.LimitPrice,
		Actor:      coordinator.ActorUser,
	})
	if err == nil || (out.Status != "" && errors.Is(err, coordinator.ErrAuditWrite)) {
		resp := map[string]any{
			"order_id":  out.ExternalOrderID,
			"status":    out.BrokerStatus,
			"message":   out.Message,
			"timestamp": time.Now().UTC(),
		}
		if err != nil {
			resp["audit_error"] = err.Error()
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeError(w, err)
}

// GET /api/audit?limit=N: latest N entries, oldest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r, defaultAuditLimit)
	if !ok {
		return
	}
	entries := s.opts.Audit.Recent(limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// GET /api/audit/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Workflow.VerifyLedger(r.Context())
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entries": s.opts.Audit.Len()})
		return
	}
	var ie *audit.IntegrityError
	if errors.As(err, &ie) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"valid":    false,
			"index":    ie.Index,
			"entry_id": ie.EntryID,
			"reason":   ie.Reason,
		})
		return
	}
	s.writeError(w, err)
}

// GET /api/executions?limit=N: latest gateway attempts, newest first.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Executions == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"executions": []execution.Attempt{}, "count": 0})
		return
	}
	limit, ok := s.parseLimit(w, r, defaultExecutionLimit)
	if !ok {
		return
	}
	attempts := s.opts.Executions.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"executions": attempts,
		"count":      len(attempts),
		"by_status":  s.opts.Executions.Counts(),
		"positions":  s.opts.Executions.Positions(),
	})
}

// GET /api/paper: paper account snapshot.
func (s *Server) handlePaper(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Paper == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "not_found",
			"detail": "paper gateway is not active (gateway " + s.opts.Gateway + ")",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Paper.Snapshot())
}

// GET /api/portfolio: brokerage positions, refreshed on each call.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if s.opts.Portfolio == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "not_found",
			"detail": "gateway " + s.opts.Gateway + " does not report positions",
		})
		return
	}
	if err := s.opts.Portfolio.Sync(r.Context()); err != nil {
		s.logger.Warn("portfolio refresh failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "portfolio_unavailable",
			"detail": err.Error(),
			"cached": s.opts.Portfolio.Snapshot(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Portfolio.Snapshot())
}

// GET /api/trading
func (s *Server) handleTradingState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Workflow.HaltState())
}

type haltRequest struct {
	Reason string `json:"reason"`
}

// POST /api/trading/halt: operator only.
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.ContentLength != 0 && !s.readJSON(w, r, &req) {
		return
	}
	changed, err := s.opts.Workflow.Halt(r.Context(), operatorActor(r), req.Reason)
	if err != nil && !changed {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"changed": changed, "trading": s.opts.Workflow.HaltState()}
	if err != nil {
		resp["audit_error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// POST /api/trading/resume: operator only.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	changed, err := s.opts.Workflow.Resume(r.Context(), operatorActor(r))
	if err != nil && !changed {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"changed": changed, "trading": s.opts.Workflow.HaltState()}
	if err != nil {
		resp["audit_error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "validation",
			"detail": "limit must be a non-negative integer",
		})
		return 0, false
	}
	return n, true
}

// operatorActor names the operator in audit entries; X-Operator is optional.
func operatorActor(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-Operator")); name != "" {
		return "Operator:" + name
	}
	return "Operator"
}
