// Package audit keeps the append-only, hash-chained record of every sensitive
// action taken by the service. Any edit or removal of a past entry breaks the
// chain and is reported by Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisPrevHash is the prev_hash of the first entry in every chain.
const GenesisPrevHash = ""

// Actions appended by the service.
const (
	ActionApprove         = "APPROVE"
	ActionOverride        = "OVERRIDE"
	ActionExecutionFailed = "EXECUTION_FAILED"
	ActionRelease         = "RELEASE"
	ActionRecommend       = "RECOMMEND"
	ActionOrderPlaced     = "ORDER_PLACED"
	ActionOrderFailed     = "ORDER_FAILED"
	ActionTradingHalt     = "TRADING_HALT"
	ActionTradingResume   = "TRADING_RESUME"
)

// ErrLedgerCompromised is returned by Append once a verification has failed.
var ErrLedgerCompromised = errors.New("audit ledger compromised: chain verification failed")

// Entry is a single immutable record in the chain.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
}

// IntegrityError reports the first entry whose hash or link does not verify.
type IntegrityError struct {
	Index   int
	EntryID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (entry %s): %s", e.Index, e.EntryID, e.Reason)
}

// Ledger is an append-only hash chain. The zero value is not usable; call NewLedger.
// CheckStatus summarises periodic chain verification.
type CheckStatus struct {
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type Ledger struct {
	mu          sync.RWMutex
	entries     []Entry
	compromised bool

	now   func() time.Time
	newID func() string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		now:   time.Now,
		newID: func() string { return "log_" + uuid.NewString() },
	}
}

// Restore returns a ledger holding a copy of entries as given. Nothing is
// checked; Verify reports any damage.
func Restore(entries []Entry) *Ledger {
	l := NewLedger()
	l.entries = append([]Entry(nil), entries...)
	return l
}

// Append extends the chain by exactly one entry and returns a copy of it.
func (l *Ledger) Append(actor, action, details string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compromised {
		return Entry{}, ErrLedgerCompromised
	}

	prevHash := GenesisPrevHash
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}

	e := Entry{
		ID:        l.newID(),
		Timestamp: l.now().UTC(),
		Actor:     actor,
		Action:    action,
		Details:   details,
		PrevHash:  prevHash,
	}
	e.Hash = ComputeHash(e, prevHash)
	l.entries = append(l.entries, e)
	return e, nil
}

// Recent returns the last n entries in insertion order (oldest first).
// n <= 0 returns the whole chain.
func (l *Ledger) Recent(n int) []Entry {
	snap := l.snapshot()
	if n <= 0 || n > len(snap) {
		n = len(snap)
	}
	out := make([]Entry, n)
	copy(out, snap[len(snap)-n:])
	return out
}

// Entries returns a copy of the whole chain in insertion order.
func (l *Ledger) Entries() []Entry {
	return l.Recent(0)
}

// Len returns the number of entries appended so far.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the most recent entry.
func (l *Ledger) Head() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Compromised reports whether a previous Verify found a broken chain.
func (l *Ledger) Compromised() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.compromised
}

// Verify recomputes every hash and link and returns nil when the chain is
// intact, or an *IntegrityError naming the first bad index. Hashing runs on a
// snapshot so concurrent appends are only held off while the snapshot is taken.
// A failure marks the ledger compromised; further appends are refused.
func (l *Ledger) Verify() error {
	if err := verifyChain(l.snapshot()); err != nil {
		l.mu.Lock()
		l.compromised = true
		l.mu.Unlock()
		return err
	}
	return nil
}

// snapshot returns a view of the entries appended so far. Entries are never
// modified in place, so the view stays consistent while appends continue.
func (l *Ledger) snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.entries)
	return l.entries[:n:n]
}

// VerifyEntries checks an exported chain without a ledger.
func VerifyEntries(entries []Entry) error {
	return verifyChain(entries)
}

func verifyChain(entries []Entry) error {
	prevHash := GenesisPrevHash
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return &IntegrityError{
				Index:   i,
				EntryID: e.ID,
				Reason:  fmt.Sprintf("prev_hash %q does not match preceding hash %q", e.PrevHash, prevHash),
			}
		}
		if want := ComputeHash(e, prevHash); e.Hash != want {
			return &IntegrityError{
				Index:   i,
				EntryID: e.ID,
				Reason:  fmt.Sprintf("hash mismatch: stored %s, computed %s", e.Hash, want),
			}
		}
		prevHash = e.Hash
	}
	return nil
}

// canonicalEntry fixes the field order and timestamp format that get hashed.
type canonicalEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Details   string `json:"details"`
}

// CanonicalBytes returns the bytes an entry's hash covers, excluding prev_hash.
func CanonicalBytes(e Entry) []byte {
	b, err := json.Marshal(canonicalEntry{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     e.Actor,
		Action:    e.Action,
		Details:   e.Details,
	})
	if err != nil {
		// Marshalling a struct of strings cannot fail.
		panic(fmt.Sprintf("audit: canonical encoding: %v", err))
	}
	return b
}

// ComputeHash returns hex(SHA-256(CanonicalBytes(e) ++ prevHash)).
func ComputeHash(e Entry, prevHash string) string {
	h := sha256.New()
	h.Write(CanonicalBytes(e))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}
