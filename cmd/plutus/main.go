package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/plutusfin/plutus/internal/app"
	"github.com/plutusfin/plutus/internal/config"
	"github.com/plutusfin/plutus/internal/telemetry"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	phase := flag.String("phase", "", "rollout phase preset: paper|broker-paper|live")
	gatewayOverride := flag.String("gateway", "", "override execution gateway: paper|alpaca|polymarket")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg, cfgErr := config.LoadFile(*cfgPath)
	if cfgErr != nil {
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("config file not loaded, using defaults", "path", *cfgPath, "error", cfgErr)
	}

	if v := strings.ToLower(strings.TrimSpace(*gatewayOverride)); v != "" {
		cfg.Gateway = v
	}
	if err := config.ApplyRolloutPhase(&cfg, *phase); err != nil {
		logger.Error("invalid -phase", "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	if err := run(logger, cfg, strings.TrimSpace(*phase)); err != nil {
		logger.Error("plutus failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config, phase string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Interval:       cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	logger.Info("plutus starting",
		"version", version,
		"gateway", cfg.Gateway,
		"phase", phase,
		"max_order_quantity", cfg.Risk.MaxOrderQuantity,
		"max_position_per_symbol", cfg.Risk.MaxPositionPerSymbol,
		"submit_timeout", cfg.Coordinator.SubmitTimeout,
		"halt_on_start", cfg.Risk.HaltOnStart,
	)

	a, err := app.New(cfg, app.Deps{Logger: logger})
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	return runErr
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
