package config

import (
	"fmt"
	"strings"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Gateway)) {
	case "paper":
		if c.Paper.InitialBalanceUSD <= 0 {
			return fmt.Errorf("paper.initial_balance_usd must be > 0, got %f", c.Paper.InitialBalanceUSD)
		}
	case "alpaca":
		if c.Alpaca.KeyID == "" || c.Alpaca.SecretKey == "" {
			return fmt.Errorf("gateway alpaca needs alpaca.key_id and alpaca.secret_key")
		}
		if c.Alpaca.RateLimit <= 0 {
			return fmt.Errorf("alpaca.rate_limit must be > 0, got %f", c.Alpaca.RateLimit)
		}
	case "polymarket":
		if c.Polymarket.PrivateKey == "" {
			return fmt.Errorf("gateway polymarket needs polymarket.private_key (POLYMARKET_PK)")
		}
	default:
		return fmt.Errorf("gateway must be 'paper', 'alpaca' or 'polymarket', got %q", c.Gateway)
	}

	if c.Paper.FeeBps < 0 {
		return fmt.Errorf("paper.fee_bps must be >= 0, got %f", c.Paper.FeeBps)
	}
	if c.Paper.SlippageBps < 0 {
		return fmt.Errorf("paper.slippage_bps must be >= 0, got %f", c.Paper.SlippageBps)
	}
	for symbol, px := range c.Quotes {
		if px <= 0 {
			return fmt.Errorf("quotes.%s must be > 0, got %f", symbol, px)
		}
	}

	if c.Risk.MaxOrderQuantity < 0 || c.Risk.MaxPositionPerSymbol < 0 || c.Risk.MaxInFlight < 0 {
		return fmt.Errorf("risk limits must be >= 0 (0 disables)")
	}
	if c.Coordinator.SubmitTimeout <= 0 {
		return fmt.Errorf("coordinator.submit_timeout must be > 0, got %v", c.Coordinator.SubmitTimeout)
	}
	if c.Watchdog.Interval < 0 {
		return fmt.Errorf("watchdog.interval must be >= 0, got %v", c.Watchdog.Interval)
	}
	if c.Portfolio.SyncInterval < 0 {
		return fmt.Errorf("portfolio.sync_interval must be >= 0, got %v", c.Portfolio.SyncInterval)
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.enabled needs bot_token and chat_id")
	}
	return nil
}
