package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/plutusfin/plutus/internal/audit"
)

// LedgerVerifier re-checks the audit chain and reacts to a break.
type LedgerVerifier interface {
	VerifyLedger(ctx context.Context) error
}

// Watchdog periodically verifies the audit ledger.
type Watchdog struct {
	verifier LedgerVerifier
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	status audit.CheckStatus
}

// NewWatchdog returns a watchdog; an interval <= 0 disables the periodic
// checks but keeps the initial one.
func NewWatchdog(v LedgerVerifier, interval time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{verifier: v, interval: interval, logger: logger}
}

// Check verifies the ledger once.
func (w *Watchdog) Check(ctx context.Context) error {
	err := w.verifier.VerifyLedger(ctx)
	w.mu.Lock()
	w.status.Checks++
	w.status.LastCheck = time.Now().UTC()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()
	return err
}

func (w *Watchdog) Status() audit.CheckStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Run checks once, then on every tick. Blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	// A broken chain stays broken; log it at most every 10 minutes.
	warn := rate.Sometimes{Interval: 10 * time.Minute}
	check := func() {
		if err := w.Check(ctx); err != nil {
			warn.Do(func() { w.logger.Error("audit ledger verification failed", "error", err) })
		}
	}

	check()
	if w.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}
