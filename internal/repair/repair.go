// ABOUTME: Progressive repair state machine for corrupt identity stores
// ABOUTME: Escalates side-file repair to destructive reset, never on transient errors

package repair

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/2389/coven-vault/internal/pool"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// Probe attempts a raw open-and-validate of an identity's store. Used during
// the transient wait loop to detect the contention clearing.
type Probe func(ctx context.Context, identity string) error

// Config holds the machine's escalation tunables.
type Config struct {
	DataDir string

	// TransientStep and TransientBound shape the wait loop for transient
	// triggers: retry every step, give up at the bound.
	TransientStep  time.Duration
	TransientBound time.Duration

	// CooldownBase and CooldownCap shape the exponential backoff armed
	// once the full ladder, destructive reset included, has failed.
	CooldownBase time.Duration
	CooldownCap  time.Duration
}

func (c *Config) applyDefaults() {
	if c.TransientStep <= 0 {
		c.TransientStep = 250 * time.Millisecond
	}
	if c.TransientBound <= 0 {
		c.TransientBound = 2500 * time.Millisecond
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 5 * time.Second
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 5 * time.Minute
	}
}

// attemptRecord tracks escalation per identity. Count resets to zero on any
// successful open.
type attemptRecord struct {
	count       int
	lastAttempt time.Time
}

// Machine is the per-identity escalation policy: transient wait, then
// write-ahead-log/shared-memory repair (attempts 1-2), then destructive
// reset (attempt 3 and beyond). The exponential cooldown throttles only
// attempts past the reset: the ladder itself always runs to its end, since
// a fresh corruption sequence must be able to reach a usable store without
// waiting.
type Machine struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

// NewMachine creates a repair machine.
func NewMachine(cfg Config) *Machine {
	cfg.applyDefaults()
	return &Machine{
		cfg:      cfg,
		logger:   slog.Default().With("component", "repair"),
		now:      time.Now,
		attempts: make(map[string]*attemptRecord),
	}
}

// SetProbe wires in the raw open probe used by the transient wait loop.
func (m *Machine) SetProbe(p Probe) { m.probe = p }

// NoteOpenSuccess resets the escalation counter for an identity. Called by
// the pool manager after every successful open.
func (m *Machine) NoteOpenSuccess(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.attempts[identity]; ok && rec.count > 0 {
		m.logger.Debug("open succeeded, resetting repair attempts",
			"identity", identity, "previous_attempts", rec.count)
	}
	delete(m.attempts, identity)
}

// Attempts returns the current attempt count for an identity.
func (m *Machine) Attempts(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.attempts[identity]; ok {
		return rec.count
	}
	return 0
}

// Repair runs one escalation step for an identity given the error that
// triggered it. On return with nil, the caller should retry the open.
//
// A transient trigger never escalates, whatever the attempt count: the
// machine waits in short increments for the contention to clear and fails
// closed with ErrLockedRestartRequired if it does not, leaving every file
// untouched.
func (m *Machine) Repair(ctx context.Context, identity string, trigger error) error {
	class := vaulterr.Classify(trigger)

	if class == vaulterr.ClassTransient || class == vaulterr.ClassTimeout {
		return m.waitTransient(ctx, identity, class)
	}

	m.mu.Lock()
	rec, ok := m.attempts[identity]
	if !ok {
		rec = &attemptRecord{}
		m.attempts[identity] = rec
	}
	if rec.count >= 3 {
		cooldown := m.cooldownFor(rec.count)
		if elapsed := m.now().Sub(rec.lastAttempt); elapsed < cooldown {
			remaining := cooldown - elapsed
			m.mu.Unlock()
			m.logger.Warn("repair throttled",
				"identity", identity, "attempts", rec.count, "retry_in", remaining)
			return &vaulterr.CooldownError{Identity: identity, Remaining: remaining}
		}
	}
	rec.count++
	rec.lastAttempt = m.now()
	attempt := rec.count
	m.mu.Unlock()

	if attempt <= 2 {
		return m.repairSideFiles(identity, attempt, class)
	}
	return m.destructiveReset(identity, attempt, class)
}

// waitTransient retries the probe at a fixed step until the bound elapses.
// Explicitly not a reset: all data is preserved.
func (m *Machine) waitTransient(ctx context.Context, identity string, class vaulterr.Class) error {
	m.logger.Info("transient contention, waiting instead of repairing",
		"identity", identity, "class", class.String(), "bound", m.cfg.TransientBound)

	deadline := m.now().Add(m.cfg.TransientBound)
	ticker := time.NewTicker(m.cfg.TransientStep)
	defer ticker.Stop()

	for {
		if m.probe != nil {
			err := m.probe(ctx, identity)
			if err == nil {
				return nil
			}
			if c := vaulterr.Classify(err); c != vaulterr.ClassTransient && c != vaulterr.ClassTimeout {
				// The condition changed character mid-wait; surface it for
				// reclassification rather than escalating from here.
				return fmt.Errorf("store for %q while waiting out contention: %w", identity, err)
			}
		}
		if !m.now().Before(deadline) {
			m.logger.Warn("transient contention outlasted wait bound, failing closed",
				"identity", identity)
			return fmt.Errorf("store for %q: %w", identity, vaulterr.ErrLockedRestartRequired)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting out contention for %q: %w", identity, ctx.Err())
		}
	}
}

// repairSideFiles deletes the write-ahead log and shared-memory files,
// never the primary data file. Un-checkpointed writes are lost; the store
// itself survives.
func (m *Machine) repairSideFiles(identity string, attempt int, class vaulterr.Class) error {
	path := pool.StorePath(m.cfg.DataDir, identity)
	wal, shm := pool.SideFiles(path)

	m.logger.Warn("repairing store side files",
		"identity", identity, "attempt", attempt, "trigger_class", class.String(),
		"wal", wal, "shm", shm)

	for _, f := range []string{wal, shm} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	return nil
}

// destructiveReset deletes all files for the identity. Logged prominently:
// it implies loss of local history pending re-sync, or permanent loss where
// forward secrecy already purged the material.
func (m *Machine) destructiveReset(identity string, attempt int, class vaulterr.Class) error {
	path := pool.StorePath(m.cfg.DataDir, identity)
	wal, shm := pool.SideFiles(path)

	m.logger.Error("DESTRUCTIVE RESET of identity store",
		"identity", identity, "attempt", attempt, "trigger_class", class.String(),
		"path", path)

	for _, f := range []string{wal, shm, path} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	return nil
}

// cooldownFor is exponential in the attempt count past the reset, capped.
func (m *Machine) cooldownFor(count int) time.Duration {
	d := m.cfg.CooldownBase
	for i := 3; i < count && d < m.cfg.CooldownCap; i++ {
		d *= 2
	}
	if d > m.cfg.CooldownCap {
		d = m.cfg.CooldownCap
	}
	return d
}
