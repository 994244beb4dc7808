package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase applies a staged rollout preset to the config.
// Supported phases:
// - paper:        in-process simulator, no broker traffic
// - broker-paper: Alpaca paper endpoint with small-size caps
// - live:         configured gateway and limits as-is, starts halted
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "paper":
		cfg.Gateway = "paper"
	case "broker-paper", "alpaca-paper":
		cfg.Gateway = "alpaca"
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets/v2"

		clampMaxInt64(&cfg.Risk.MaxOrderQuantity, 100)
		clampMaxInt64(&cfg.Risk.MaxPositionPerSymbol, 500)
		clampMaxInt(&cfg.Risk.MaxInFlight, 4)
	case "live":
		if cfg.Gateway == "" || cfg.Gateway == "paper" {
			return fmt.Errorf("rollout phase live needs gateway alpaca or polymarket, got %q", cfg.Gateway)
		}
		cfg.Risk.HaltOnStart = true
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: paper|broker-paper|live)", phase)
	}

	return nil
}

func clampMaxInt64(v *int64, max int64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}

func clampMaxInt(v *int, max int) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
