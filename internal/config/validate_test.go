package config

import (
	"testing"
	"time"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidateUnknownGateway(t *testing.T) {
	cfg := Default()
	cfg.Gateway = "ib"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown gateway to fail validation")
	}
}

func TestValidateAlpacaNeedsKeys(t *testing.T) {
	cfg := Default()
	cfg.Gateway = "alpaca"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected alpaca without keys to fail validation")
	}
	cfg.Alpaca.KeyID = "ak"
	cfg.Alpaca.SecretKey = "sk"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected alpaca with keys to pass, got %v", err)
	}
}

func TestValidatePolymarketNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.Gateway = "polymarket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected polymarket without private key to fail validation")
	}
}

func TestValidateInvalidPaperConfig(t *testing.T) {
	cfg := Default()
	cfg.Paper.InitialBalanceUSD = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected non-positive paper.initial_balance_usd to fail validation")
	}

	cfg = Default()
	cfg.Paper.FeeBps = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative paper.fee_bps to fail validation")
	}

	cfg = Default()
	cfg.Quotes = map[string]float64{"AAPL": 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero quote to fail validation")
	}
}

func TestValidateRiskAndTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Risk.MaxInFlight = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative risk limit to fail validation")
	}

	cfg = Default()
	cfg.Coordinator.SubmitTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero submit_timeout to fail validation")
	}

	cfg = Default()
	cfg.Watchdog.Interval = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative watchdog interval to fail validation")
	}

	cfg = Default()
	cfg.Portfolio.SyncInterval = -time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative portfolio sync interval to fail validation")
	}
}

func TestValidateTelegramNeedsCredentials(t *testing.T) {
	cfg := Default()
	cfg.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected enabled telegram without token to fail validation")
	}
}
