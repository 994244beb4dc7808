package config

import "testing"

func TestApplyRolloutPhasePaper(t *testing.T) {
	cfg := Default()
	cfg.Gateway = "alpaca"

	if err := ApplyRolloutPhase(&cfg, "paper"); err != nil {
		t.Fatalf("ApplyRolloutPhase: %v", err)
	}
	if cfg.Gateway != "paper" {
		t.Fatalf("expected paper gateway, got %q", cfg.Gateway)
	}
}

func TestApplyRolloutPhaseBrokerPaperClamps(t *testing.T) {
	cfg := Default()
	cfg.Alpaca.BaseURL = "https://api.alpaca.markets/v2"
	cfg.Risk.MaxOrderQuantity = 10000
	cfg.Risk.MaxPositionPerSymbol = 0
	cfg.Risk.MaxInFlight = 50

	if err := ApplyRolloutPhase(&cfg, "broker-paper"); err != nil {
		t.Fatalf("ApplyRolloutPhase: %v", err)
	}
	if cfg.Gateway != "alpaca" {
		t.Fatalf("expected alpaca gateway, got %q", cfg.Gateway)
	}
	if cfg.Alpaca.BaseURL != "https://paper-api.alpaca.markets/v2" {
		t.Fatalf("expected paper endpoint, got %q", cfg.Alpaca.BaseURL)
	}
	if cfg.Risk.MaxOrderQuantity != 100 {
		t.Fatalf("expected max_order_quantity clamp=100, got %d", cfg.Risk.MaxOrderQuantity)
	}
	if cfg.Risk.MaxPositionPerSymbol != 500 {
		t.Fatalf("expected disabled position cap clamped to 500, got %d", cfg.Risk.MaxPositionPerSymbol)
	}
	if cfg.Risk.MaxInFlight != 4 {
		t.Fatalf("expected max_in_flight clamp=4, got %d", cfg.Risk.MaxInFlight)
	}
}

func TestApplyRolloutPhaseBrokerPaperKeepsTighterLimits(t *testing.T) {
	cfg := Default()
	cfg.Risk.MaxOrderQuantity = 5

	if err := ApplyRolloutPhase(&cfg, "broker-paper"); err != nil {
		t.Fatalf("ApplyRolloutPhase: %v", err)
	}
	if cfg.Risk.MaxOrderQuantity != 5 {
		t.Fatalf("expected tighter max_order_quantity kept, got %d", cfg.Risk.MaxOrderQuantity)
	}
}

func TestApplyRolloutPhaseLiveStartsHalted(t *testing.T) {
	cfg := Default()
	cfg.Gateway = "polymarket"

	if err := ApplyRolloutPhase(&cfg, "live"); err != nil {
		t.Fatalf("ApplyRolloutPhase: %v", err)
	}
	if !cfg.Risk.HaltOnStart {
		t.Fatal("expected live phase to start halted")
	}
}

func TestApplyRolloutPhaseLiveNeedsBroker(t *testing.T) {
	cfg := Default()
	if err := ApplyRolloutPhase(&cfg, "live"); err == nil {
		t.Fatal("expected live phase on the paper gateway to fail")
	}
}

func TestApplyRolloutPhaseEmptyIsNoop(t *testing.T) {
	cfg := Default()
	if err := ApplyRolloutPhase(&cfg, "  "); err != nil {
		t.Fatalf("ApplyRolloutPhase: %v", err)
	}
	if cfg.Gateway != "paper" {
		t.Fatalf("expected gateway untouched, got %q", cfg.Gateway)
	}
}

func TestApplyRolloutPhaseUnknown(t *testing.T) {
	cfg := Default()
	if err := ApplyRolloutPhase(&cfg, "yolo"); err == nil {
		t.Fatal("expected unknown phase error")
	}
}
