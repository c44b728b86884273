// ABOUTME: Per-identity connection pool manager with account-switch serialization
// ABOUTME: Classifies cache-hit failures and hands corruption to the repair machine

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-vault/internal/flock"
	"github.com/2389/coven-vault/internal/keyring"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// Repairer is the progressive repair state machine as the manager sees it.
// Repair either makes a subsequent open possible or returns a terminal
// error; NoteOpenSuccess resets the escalation counter.
type Repairer interface {
	Repair(ctx context.Context, identity string, trigger error) error
	NoteOpenSuccess(identity string)
}

// maxRepairCycles bounds how many repair-then-reopen rounds one Get will
// drive before surfacing the corruption. Two side-file repairs plus one
// destructive reset.
const maxRepairCycles = 3

// Config holds the manager's tunables.
type Config struct {
	DataDir      string
	MaxReaders   int
	BusyTimeout  time.Duration
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReaders <= 0 {
		c.MaxReaders = 4
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// openFunc opens a handle. Swappable in tests to inject classified failures.
type openFunc func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error)

// Manager owns one handle per identity and all process-wide pool state: the
// handle cache, the active-identity marker, and the set of identities with a
// close in progress. All state mutation happens under one mutex; an identity
// must never have both an open handle and an in-progress close without the
// caller waiting for the close first.
type Manager struct {
	cfg      Config
	keys     *keyring.Keyring
	locks    *flock.Coordinator
	repairer Repairer
	logger   *slog.Logger
	open     openFunc

	mu      sync.Mutex
	handles map[string]*Handle
	active  string
	closing map[string]chan struct{}
}

// NewManager creates a pool manager. The repairer may be nil, in which case
// corruption errors are surfaced instead of repaired.
func NewManager(cfg Config, keys *keyring.Keyring, locks *flock.Coordinator) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		keys:    keys,
		locks:   locks,
		logger:  slog.Default().With("component", "pool"),
		open:    openHandle,
		handles: make(map[string]*Handle),
		closing: make(map[string]chan struct{}),
	}
}

// SetRepairer wires in the repair state machine after construction, breaking
// the construction cycle between pool and repair.
func (m *Manager) SetRepairer(r Repairer) { m.repairer = r }

// Get returns the handle for an identity, creating it if absent and
// revalidating it if cached. Opening identity X while identity Y is active
// first checkpoints Y best-effort and marks X active.
func (m *Manager) Get(ctx context.Context, id string) (*Handle, error) {
	return m.get(ctx, id, false)
}

// GetEphemeral returns a handle without touching active-identity bookkeeping
// or checkpointing anyone else's handle. Used by the notification process so
// that decrypting a push for identity B never disturbs identity A's
// foreground operations.
func (m *Manager) GetEphemeral(ctx context.Context, id string) (*Handle, error) {
	return m.get(ctx, id, true)
}

func (m *Manager) get(ctx context.Context, id string, ephemeral bool) (*Handle, error) {
	if err := m.waitForClose(ctx, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if h, ok := m.handles[id]; ok {
		m.mu.Unlock()
		if err := h.Validate(ctx); err != nil {
			return m.handleInvalid(ctx, id, h, err, ephemeral)
		}
		if !ephemeral {
			m.markActive(ctx, id)
		}
		return h, nil
	}
	m.mu.Unlock()

	if !ephemeral {
		m.markActive(ctx, id)
	}
	return m.openNew(ctx, id, true)
}

// handleInvalid classifies a validation failure on a cached handle and acts
// per class: transient surfaces without eviction, key mismatch evicts without
// repair, corruption evicts and repairs.
func (m *Manager) handleInvalid(ctx context.Context, id string, h *Handle, verr error, ephemeral bool) (*Handle, error) {
	class := vaulterr.Classify(verr)
	switch class {
	case vaulterr.ClassTransient, vaulterr.ClassTimeout:
		m.logger.Debug("cached handle busy, surfacing for retry", "identity", id, "class", class.String())
		return nil, fmt.Errorf("validating handle for %q: %w", id, verr)

	case vaulterr.ClassKeyMismatch:
		m.logger.Warn("cached handle failed key check, evicting without repair",
			"identity", id, "error", verr)
		m.evict(id, h)
		return nil, fmt.Errorf("handle for %q: %w", id, vaulterr.ErrKeyMismatch)

	case vaulterr.ClassCorruption:
		m.logger.Warn("cached handle corrupt, evicting and repairing",
			"identity", id, "error", verr)
		m.evict(id, h)
		if !ephemeral {
			m.markActive(ctx, id)
		}
		return m.openNew(ctx, id, true)

	default:
		m.logger.Warn("cached handle failed validation", "identity", id,
			"class", class.String(), "error", verr)
		m.evict(id, h)
		return nil, fmt.Errorf("validating handle for %q: %w", id, verr)
	}
}

// openNew opens a fresh handle. When allowRepair is set, failures classified
// as corruption drive repair-then-reopen cycles up to maxRepairCycles, and
// transient contention is handed to the repairer's bounded wait before the
// reopen.
func (m *Manager) openNew(ctx context.Context, id string, allowRepair bool) (*Handle, error) {
	key, err := m.keys.StoreKey(id)
	if err != nil {
		return nil, fmt.Errorf("loading store key for %q: %w", id, err)
	}
	pragma := keyring.PragmaKey(key, id)
	keyring.Zero(key)
	path := StorePath(m.cfg.DataDir, id)

	for cycle := 0; ; cycle++ {
		h, err := m.open(ctx, id, path, pragma, m.cfg.MaxReaders, m.cfg.BusyTimeout)
		if err == nil {
			if verr := h.Validate(ctx); verr != nil {
				h.Close()
				err = verr
			}
		}
		if err == nil {
			m.mu.Lock()
			if existing, ok := m.handles[id]; ok {
				// Another goroutine opened concurrently; keep theirs.
				m.mu.Unlock()
				h.Close()
				return existing, nil
			}
			m.handles[id] = h
			m.mu.Unlock()
			if m.repairer != nil {
				m.repairer.NoteOpenSuccess(id)
			}
			m.logger.Info("opened store", "identity", id, "path", h.Path)
			return h, nil
		}

		class := vaulterr.Classify(err)
		switch class {
		case vaulterr.ClassKeyMismatch:
			return nil, fmt.Errorf("opening store for %q: %w", id, vaulterr.ErrKeyMismatch)
		case vaulterr.ClassCorruption, vaulterr.ClassTransient, vaulterr.ClassTimeout:
			if !allowRepair || m.repairer == nil || cycle >= maxRepairCycles {
				return nil, fmt.Errorf("opening store for %q: %w", id, err)
			}
			if class == vaulterr.ClassCorruption {
				m.logger.Warn("open failed with corruption, invoking repair",
					"identity", id, "cycle", cycle+1, "error", err)
			} else {
				m.logger.Info("open contended, waiting for the contention to clear",
					"identity", id, "cycle", cycle+1, "error", err)
			}
			if rerr := m.repairer.Repair(ctx, id, err); rerr != nil {
				return nil, fmt.Errorf("opening store for %q: %w", id, rerr)
			}
		default:
			return nil, fmt.Errorf("opening store for %q: %w", id, err)
		}
	}
}

// ProbeOpen attempts a raw open-and-validate of an identity's store without
// caching, repair, or active-identity bookkeeping. The repair machine uses
// it to detect transient contention clearing.
func (m *Manager) ProbeOpen(ctx context.Context, id string) error {
	key, err := m.keys.StoreKey(id)
	if err != nil {
		return fmt.Errorf("loading store key for %q: %w", id, err)
	}
	pragma := keyring.PragmaKey(key, id)
	keyring.Zero(key)

	h, err := m.open(ctx, id, StorePath(m.cfg.DataDir, id), pragma, 1, m.cfg.BusyTimeout)
	if err != nil {
		return err
	}
	defer h.Close()
	return h.Validate(ctx)
}

// markActive records id as the foreground identity, checkpointing the
// previously active identity's handle first. Checkpoint failure is logged,
// not fatal.
func (m *Manager) markActive(ctx context.Context, id string) {
	m.mu.Lock()
	prev := m.active
	var prevHandle *Handle
	if prev != "" && prev != id {
		prevHandle = m.handles[prev]
	}
	m.active = id
	m.mu.Unlock()

	if prevHandle != nil {
		if err := prevHandle.Checkpoint(ctx); err != nil {
			m.logger.Warn("checkpoint of previously active identity failed",
				"identity", prev, "error", err)
		}
	}
}

// waitForClose blocks until no close is in progress for id, bounded by the
// drain timeout. This is the open-while-closing guard: violating it is the
// root cause of the wrong-key/corruption confusion this engine prevents.
func (m *Manager) waitForClose(ctx context.Context, id string) error {
	m.mu.Lock()
	ch, pending := m.closing[id]
	m.mu.Unlock()
	if !pending {
		return nil
	}

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("opening %q: %w", id, vaulterr.ErrCloseInProgress)
	case <-ctx.Done():
		return fmt.Errorf("opening %q: %w", id, ctx.Err())
	}
}

// evict closes and drops a handle from the cache without checkpoint.
func (m *Manager) evict(id string, h *Handle) {
	m.mu.Lock()
	if m.handles[id] == h {
		delete(m.handles, id)
		if m.active == id {
			m.active = ""
		}
	}
	m.mu.Unlock()
	h.Close()
}

// CloseAndDrain checkpoints and closes an identity's handle, holding the
// advisory lock for the checkpoint-then-close span so the other process
// cannot reopen mid-transition. New opens for the identity block until the
// drain completes or the timeout elapses.
func (m *Manager) CloseAndDrain(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.DrainTimeout
	}

	m.mu.Lock()
	if _, already := m.closing[id]; already {
		m.mu.Unlock()
		return fmt.Errorf("closing %q: %w", id, vaulterr.ErrCloseInProgress)
	}
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	if m.active == id {
		m.active = ""
	}
	ch := make(chan struct{})
	m.closing[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()
		close(ch)
	}()

	if !ok {
		return nil
	}

	// Exclusivity across both processes for checkpoint-then-close. If the
	// lock cannot be had within the bound we still close locally: holding a
	// dying handle open is worse than skipping the checkpoint.
	locked := true
	if err := m.locks.AcquireExclusive(ctx, id, timeout); err != nil {
		m.logger.Warn("could not acquire advisory lock for close, skipping checkpoint",
			"identity", id, "error", err)
		locked = false
	} else {
		defer func() {
			if rerr := m.locks.Release(id); rerr != nil {
				m.logger.Warn("releasing advisory lock after close", "identity", id, "error", rerr)
			}
		}()
	}

	if locked {
		if err := h.Checkpoint(ctx); err != nil {
			m.logger.Warn("checkpoint before close failed", "identity", id, "error", err)
		}
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("closing store for %q: %w", id, err)
	}
	m.logger.Info("closed store", "identity", id, "checkpointed", locked)
	return nil
}

// CloseAllExcept closes every cached handle except the given identity's.
func (m *Manager) CloseAllExcept(ctx context.Context, keep string) {
	for _, id := range m.cachedIdentities() {
		if id == keep {
			continue
		}
		if err := m.CloseAndDrain(ctx, id, m.cfg.DrainTimeout); err != nil &&
			!errors.Is(err, vaulterr.ErrCloseInProgress) {
			m.logger.Warn("closing handle", "identity", id, "error", err)
		}
	}
}

// CloseAll tears down every handle and releases all advisory locks. Process
// shutdown path.
func (m *Manager) CloseAll(ctx context.Context) {
	m.CloseAllExcept(ctx, "")
	m.locks.ReleaseAll()
}

// Active returns the currently active (foreground) identity, if any.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CachedHandles returns every currently open handle. The retention manager
// sweeps these on its schedule.
func (m *Manager) CachedHandles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	return hs
}

func (m *Manager) cachedIdentities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}
