package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plutusfin/plutus/internal/execution"
)

// ErrTradingHalted is returned while trading is halted.
var ErrTradingHalted = errors.New("trading halted")

type Config struct {
	MaxOrderQuantity     int64 // per order; 0 disables
	MaxPositionPerSymbol int64 // absolute net quantity; 0 disables
	MaxInFlight          int   // unresolved submissions; 0 disables
}

// LimitError is a breached pre-trade limit.
type LimitError struct {
	Limit  string
	Detail string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s exceeded: %s", e.Limit, e.Detail)
}

// HaltState describes the current trading halt.
type HaltState struct {
	Halted bool      `json:"halted"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitzero"`
}

type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	halt      HaltState
	inFlight  int
	positions map[string]int64 // symbol -> settled net quantity
	pending   map[string]int64 // symbol -> signed quantity of reserved submissions
	now       func() time.Time
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		positions: make(map[string]int64),
		pending:   make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reserve checks a prospective order against the halt switch and limits and,
// if it passes, holds an in-flight slot and its exposure until release is
// called. Release is safe to call more than once.
func (m *Manager) Reserve(symbol, side string, qty int64) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halt.Halted {
		return nil, fmt.Errorf("%w: %s", ErrTradingHalted, m.halt.Reason)
	}
	if m.cfg.MaxOrderQuantity > 0 && qty > m.cfg.MaxOrderQuantity {
		return nil, &LimitError{Limit: "max order quantity", Detail: fmt.Sprintf("%d > %d", qty, m.cfg.MaxOrderQuantity)}
	}
	if m.cfg.MaxInFlight > 0 && m.inFlight >= m.cfg.MaxInFlight {
		return nil, &LimitError{Limit: "max in-flight submissions", Detail: fmt.Sprintf("%d/%d", m.inFlight, m.cfg.MaxInFlight)}
	}
	delta := qty
	if side == "sell" {
		delta = -qty
	}
	if m.cfg.MaxPositionPerSymbol > 0 {
		cur := m.positions[symbol] + m.pending[symbol]
		next := cur + delta
		if abs(next) > m.cfg.MaxPositionPerSymbol && abs(next) > abs(cur) {
			return nil, &LimitError{Limit: "position limit", Detail: fmt.Sprintf("%s %d -> %d > %d", symbol, cur, next, m.cfg.MaxPositionPerSymbol)}
		}
	}

	m.inFlight++
	m.pending[symbol] += delta
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.inFlight--
			if m.pending[symbol] -= delta; m.pending[symbol] == 0 {
				delete(m.pending, symbol)
			}
		})
	}, nil
}

// InFlight is the number of reservations not yet released.
func (m *Manager) InFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inFlight
}

// CheckHalt returns a wrapped ErrTradingHalted while halted.
func (m *Manager) CheckHalt() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.halt.Halted {
		return fmt.Errorf("%w: %s", ErrTradingHalted, m.halt.Reason)
	}
	return nil
}

// Halt stops trading. It reports false when trading was already halted.
func (m *Manager) Halt(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halt.Halted {
		return false
	}
	m.halt = HaltState{Halted: true, Reason: reason, Since: m.now()}
	return true
}

// Resume lifts a halt. It reports false when trading was not halted.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halt.Halted {
		return false
	}
	m.halt = HaltState{}
	return true
}

func (m *Manager) Status() HaltState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halt
}

// SyncFromJournal refreshes settled positions from the execution journal.
// Reserved exposure is tracked separately and is not touched.
func (m *Manager) SyncFromJournal(positions map[string]execution.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]int64, len(positions))
	for symbol, pos := range positions {
		if pos.NetQuantity != 0 {
			m.positions[symbol] = pos.NetQuantity
		}
	}
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
