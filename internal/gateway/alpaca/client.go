// Package alpaca submits orders to the Alpaca trading REST API.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/plutusfin/plutus/internal/gateway"
)

const (
	PaperBaseURL = "https://paper-api.alpaca.markets/v2"
	LiveBaseURL  = "https://api.alpaca.markets/v2"
)

type Config struct {
	BaseURL   string
	KeyID     string
	SecretKey string
	Timeout   time.Duration
	RateLimit rate.Limit
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   PaperBaseURL,
		Timeout:   10 * time.Second,
		RateLimit: rate.Limit(3),
		RateBurst: 1,
	}
}

// Client implements gateway.Gateway against Alpaca.
type Client struct {
	baseURL    string
	keyID      string
	secretKey  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		keyID:      cfg.KeyID,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     logger,
	}
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderResponse struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Submit posts a day order. The idempotency key is sent as client_order_id,
// which Alpaca rejects when reused.
func (c *Client) Submit(ctx context.Context, sub gateway.Submission) (gateway.Receipt, error) {
	if err := sub.Validate(); err != nil {
		return gateway.Receipt{}, err
	}
	orderType := sub.Type
	if orderType == "" {
		orderType = gateway.OrderTypeMarket
	}
	payload := orderRequest{
		Symbol:        strings.ToUpper(sub.Symbol),
		Qty:           strconv.FormatInt(sub.Quantity, 10),
		Side:          sub.Side,
		Type:          string(orderType),
		TimeInForce:   "day",
		ClientOrderID: sub.IdempotencyKey,
	}
	if orderType == gateway.OrderTypeLimit {
		payload.LimitPrice = sub.LimitPrice.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gateway.Receipt{}, gateway.Rejected("encode order: %v", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return gateway.Receipt{}, gateway.AsExecutionError(fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return gateway.Receipt{}, gateway.Rejected("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Receipt{}, gateway.AsExecutionError(ctx.Err())
		}
		return gateway.Receipt{}, &gateway.ExecutionError{Reason: "alpaca request failed: " + err.Error(), Retryable: true, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.Receipt{}, &gateway.ExecutionError{Reason: "read alpaca response: " + err.Error(), Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return gateway.Receipt{}, &gateway.ExecutionError{Reason: "alpaca rate limited (HTTP 429)", Retryable: true}
	case resp.StatusCode >= 500:
		return gateway.Receipt{}, &gateway.ExecutionError{Reason: fmt.Sprintf("alpaca server error (HTTP %d)", resp.StatusCode), Retryable: true}
	case resp.StatusCode >= 400:
		return gateway.Receipt{}, gateway.Rejected("alpaca rejected order (HTTP %d): %s", resp.StatusCode, errorMessage(raw))
	}

	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// The order may have been accepted. An operator must check the
		// brokerage before releasing, since a release uses a new key.
		return gateway.Receipt{}, &gateway.ExecutionError{Reason: "decode alpaca response: " + err.Error(), Retryable: true, Err: err}
	}
	c.logger.Debug("alpaca order accepted",
		"order_id", out.ID,
		"client_order_id", out.ClientOrderID,
		"status", out.Status,
	)
	return gateway.Receipt{ExternalOrderID: out.ID, Status: out.Status}, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
}

// Position is an open brokerage position as reported by GET /positions.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// Positions lists open positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca positions: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read alpaca positions: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("alpaca positions (HTTP %d): %s", resp.StatusCode, errorMessage(raw))
	}
	var out []Position
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode alpaca positions: %w", err)
	}
	return out, nil
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
