// Package notify pushes operator alerts to a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // full sendMessage endpoint; overridable for testing
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

func (n *Notifier) Enabled() bool { return n != nil && n.enabled }

type sendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts an HTML message to the configured chat. Callers escape
// user-supplied text.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.Enabled() {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/bot%s/sendMessage", defaultAPIBase, n.botToken)
	}
	body, err := json.Marshal(sendMessage{
		ChatID:                n.chatID,
		Text:                  msg,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var out struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// NotifyExecuted reports a confirmed order that reached the brokerage.
func (n *Notifier) NotifyExecuted(ctx context.Context, orderID, side, symbol string, qty int64, externalID, status string) error {
	msg := fmt.Sprintf(
		"<b>Order Executed</b>\nOrder: <code>%s</code>\n%s %d %s\nBroker order: <code>%s</code> (%s)",
		esc(orderID), strings.ToUpper(esc(side)), qty, esc(symbol), esc(externalID), esc(status),
	)
	return n.Send(ctx, msg)
}

// NotifyExecutionFailed reports a failed submission for a claimed order.
func (n *Notifier) NotifyExecutionFailed(ctx context.Context, orderID, symbol, reason string, retryable bool) error {
	next := "needs operator review"
	if retryable {
		next = "retryable after release"
	}
	msg := fmt.Sprintf(
		"<b>Execution Failed</b>\nOrder: <code>%s</code> %s\nReason: %s\nStatus: %s",
		esc(orderID), esc(symbol), esc(reason), next,
	)
	return n.Send(ctx, msg)
}

// NotifyIntegrityFault reports a broken audit chain.
func (n *Notifier) NotifyIntegrityFault(ctx context.Context, index int, entryID, reason string) error {
	msg := fmt.Sprintf(
		"<b>AUDIT INTEGRITY FAULT</b>\nFirst bad entry: #%d <code>%s</code>\nReason: %s\nTrading halted; confirmations refused.",
		index, esc(entryID), esc(reason),
	)
	return n.Send(ctx, msg)
}

// NotifyHalt reports a trading halt.
func (n *Notifier) NotifyHalt(ctx context.Context, actor, reason string) error {
	return n.Send(ctx, fmt.Sprintf("<b>Trading Halted</b>\nBy: %s\nReason: %s", esc(actor), esc(reason)))
}

func (n *Notifier) NotifyResume(ctx context.Context, actor string) error {
	return n.Send(ctx, fmt.Sprintf("<b>Trading Resumed</b>\nBy: %s", esc(actor)))
}

func esc(s string) string { return html.EscapeString(s) }
