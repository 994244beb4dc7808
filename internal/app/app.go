package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/plutusfin/plutus/internal/api"
	"github.com/plutusfin/plutus/internal/audit"
	"github.com/plutusfin/plutus/internal/config"
	"github.com/plutusfin/plutus/internal/coordinator"
	"github.com/plutusfin/plutus/internal/execution"
	"github.com/plutusfin/plutus/internal/feed"
	"github.com/plutusfin/plutus/internal/gateway"
	"github.com/plutusfin/plutus/internal/gateway/alpaca"
	"github.com/plutusfin/plutus/internal/gateway/paper"
	"github.com/plutusfin/plutus/internal/gateway/polymarket"
	"github.com/plutusfin/plutus/internal/notify"
	"github.com/plutusfin/plutus/internal/orderbook"
	"github.com/plutusfin/plutus/internal/portfolio"
	"github.com/plutusfin/plutus/internal/risk"
	"github.com/plutusfin/plutus/internal/telemetry"
)

// Deps overrides parts of the graph. Zero values are built from config.
type Deps struct {
	Gateway gateway.Gateway
	Ledger  *audit.Ledger
	Logger  *slog.Logger
}

type App struct {
	cfg    config.Config
	logger *slog.Logger

	Ledger      *audit.Ledger
	Book        *orderbook.Book
	Quotes      *feed.QuoteBoard
	Journal     *execution.Journal
	Risk        *risk.Manager
	Coordinator *coordinator.Coordinator
	Watchdog    *Watchdog
	API         *api.Server
	// Portfolio is nil when the gateway cannot report positions.
	Portfolio   *portfolio.Tracker

	// Paper is set when the paper gateway is active.
	Paper       *paper.Simulator
	gatewayName string

	mu      sync.RWMutex
	running bool
}

func New(cfg config.Config, deps Deps) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	quotes := feed.NewQuoteBoard()
	for symbol, px := range cfg.Quotes {
		if err := quotes.SetReference(symbol, decimal.NewFromFloat(px)); err != nil {
			return nil, fmt.Errorf("seed quote %s: %w", symbol, err)
		}
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		Ledger:      deps.Ledger,
		Book:        orderbook.NewBook(),
		Quotes:      quotes,
		Journal:     execution.NewJournal(),
		gatewayName: strings.ToLower(strings.TrimSpace(cfg.Gateway)),
	}
	if a.Ledger == nil {
		a.Ledger = audit.NewLedger()
	}

	gw := deps.Gateway
	var positions portfolio.Source
	if gw == nil {
		var err error
		gw, positions, err = a.buildGateway()
		if err != nil {
			return nil, err
		}
	} else if sim, ok := gw.(*paper.Simulator); ok {
		a.Paper = sim
		positions = portfolio.FromPaper(sim, a.Quotes)
	}
	if positions != nil {
		a.Portfolio = portfolio.NewTracker(positions, cfg.Portfolio.SyncInterval, logger.With("component", "portfolio"))
	}

	a.Risk = risk.New(risk.Config{
		MaxOrderQuantity:     cfg.Risk.MaxOrderQuantity,
		MaxPositionPerSymbol: cfg.Risk.MaxPositionPerSymbol,
		MaxInFlight:          cfg.Risk.MaxInFlight,
	})
	a.Journal.OnFinish = a.onAttemptFinished

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var notifier coordinator.Notifier
	if cfg.Telegram.Enabled {
		notifier = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	a.Coordinator = coordinator.New(coordinator.Deps{
		Ledger:   a.Ledger,
		Book:     a.Book,
		Gateway:  gw,
		Risk:     a.Risk,
		Journal:  a.Journal,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger.With("component", "coordinator"),
	}, coordinator.Config{
		SubmitTimeout: cfg.Coordinator.SubmitTimeout,
		NotifyTimeout: cfg.Coordinator.NotifyTimeout,
	})

	a.Watchdog = NewWatchdog(a.Coordinator, cfg.Watchdog.Interval, logger.With("component", "watchdog"))

	if cfg.API.Enabled {
		opts := api.Options{
			Addr:       cfg.API.Addr,
			AdminToken: cfg.API.AdminToken,
			Gateway:    a.gatewayName,
			Workflow:   a.Coordinator,
			Orders:     a.Book,
			Audit:      a.Ledger,
			Executions: a.Journal,
			Logger:     logger.With("component", "api"),
		}
		if a.Paper != nil {
			opts.Paper = a.Paper
		}
		if a.Portfolio != nil {
			opts.Portfolio = a.Portfolio
		}
		opts.Watchdog = a.Watchdog
		a.API = api.NewServer(opts)
	}
	return a, nil
}

// buildGateway returns the configured adapter and, where the brokerage can
// report them, its position source.
func (a *App) buildGateway() (gateway.Gateway, portfolio.Source, error) {
	switch a.gatewayName {
	case "", "paper":
		a.gatewayName = "paper"
		a.Paper = paper.NewSimulator(paper.Config{
			InitialBalanceUSD: decimal.NewFromFloat(a.cfg.Paper.InitialBalanceUSD),
			FeeBps:            decimal.NewFromFloat(a.cfg.Paper.FeeBps),
			SlippageBps:       decimal.NewFromFloat(a.cfg.Paper.SlippageBps),
			AllowShort:        a.cfg.Paper.AllowShort,
		}, a.Quotes)
		return a.Paper, portfolio.FromPaper(a.Paper, a.Quotes), nil
	case "alpaca":
		client := alpaca.NewClient(alpaca.Config{
			BaseURL:   a.cfg.Alpaca.BaseURL,
			KeyID:     a.cfg.Alpaca.KeyID,
			SecretKey: a.cfg.Alpaca.SecretKey,
			Timeout:   a.cfg.Alpaca.Timeout,
			RateLimit: rate.Limit(a.cfg.Alpaca.RateLimit),
			RateBurst: a.cfg.Alpaca.RateBurst,
		}, a.logger.With("component", "alpaca"))
		return client, portfolio.FromAlpaca(client), nil
	case "polymarket":
		client, err := polymarket.Dial(polymarket.Credentials{
			PrivateKey: a.cfg.Polymarket.PrivateKey,
			APIKey:     strings.TrimSpace(a.cfg.Polymarket.APIKey),
			APISecret:  strings.TrimSpace(a.cfg.Polymarket.APISecret),
			Passphrase: strings.TrimSpace(a.cfg.Polymarket.APIPassphrase),
		}, a.logger.With("component", "polymarket"))
		if err != nil {
			return nil, nil, fmt.Errorf("polymarket gateway: %w", err)
		}
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway %q", a.gatewayName)
	}
}

// Run starts the API and the ledger watchdog and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if a.cfg.Risk.HaltOnStart {
		if _, err := a.Coordinator.Halt(ctx, coordinator.ActorSystem, "halted on start, resume to enable trading"); err != nil {
			a.logger.Error("start halted", "error", err)
		}
	}

	if a.API != nil {
		if err := a.API.Start(ctx); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	if a.Portfolio != nil && a.cfg.Portfolio.SyncInterval > 0 {
		go func() {
			if err := a.Portfolio.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("portfolio sync stopped", "error", err)
			}
		}()
	}

	a.logger.Info("plutus running",
		"gateway", a.gatewayName,
		"api", a.API != nil,
		"watchdog_interval", a.cfg.Watchdog.Interval,
	)
	err := a.Watchdog.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info("shutting down")
	if a.API != nil {
		if err := a.API.Shutdown(ctx); err != nil {
			a.logger.Warn("api shutdown", "error", err)
		}
	}
	if stuck := a.Book.List(orderbook.StateClaimed); len(stuck) > 0 {
		ids := make([]string, 0, len(stuck))
		for _, o := range stuck {
			ids = append(ids, o.ID)
		}
		a.logger.Warn("claimed orders need an operator check at the brokerage", "order_ids", ids)
	}
	counts := a.Journal.Counts()
	a.logger.Info("session complete",
		"audit_entries", a.Ledger.Len(),
		"pending_orders", len(a.Book.ListPending()),
		"accepted", counts[execution.StatusAccepted],
		"failed", counts[execution.StatusFailed],
		"unresolved_attempts", len(a.Journal.InFlight()),
		"risk_reservations", a.Risk.InFlight(),
	)
}

// IsRunning reports whether Run is active.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// GatewayName is the active execution adapter.
func (a *App) GatewayName() string { return a.gatewayName }

func (a *App) onAttemptFinished(at execution.Attempt) {
	if at.Status == execution.StatusFailed {
		a.logger.Debug("gateway attempt failed",
			"seq", at.Seq,
			"order_id", at.OrderID,
			"error", at.Error,
			"retryable", at.Retryable,
			"latency", at.Latency(),
		)
		return
	}
	a.logger.Debug("gateway attempt accepted",
		"seq", at.Seq,
		"order_id", at.OrderID,
		"external_order_id", at.ExternalOrderID,
		"latency", at.Latency(),
	)
}
