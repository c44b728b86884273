// ABOUTME: Process-level advisory lock coordinator for per-identity store files
// ABOUTME: Re-entrant within the process via refcounts, exclusive across processes

package flock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gflock "github.com/gofrs/flock"

	"github.com/2389/coven-vault/internal/identity"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// pollInterval is how often a blocking acquire re-attempts the OS lock.
// Polling (rather than an OS-level blocking wait) keeps acquisition
// cancellable via context.
const pollInterval = 25 * time.Millisecond

// globalLockName is the process-wide lock file used for whole-store
// transitions such as account switch.
const globalLockName = "coven-vault.lock"

// entry tracks one held lock and its in-process re-entrancy count. The OS
// lock is only released when the count reaches zero.
type entry struct {
	fl    *gflock.Flock
	count int
}

// Coordinator provides cross-process mutual exclusion keyed by identity,
// using OS advisory locks on zero-byte files in a dedicated lock directory.
// Lock files are created on first reference and never deleted or read.
type Coordinator struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*entry
}

// NewCoordinator creates a coordinator rooted at the given lock directory,
// creating the directory if needed.
func NewCoordinator(dir string) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Coordinator{
		dir:    dir,
		logger: slog.Default().With("component", "flock"),
		locks:  make(map[string]*entry),
	}, nil
}

// lockPath returns the per-identity lock file path. The identity is slugified
// so arbitrary identifier strings map to filesystem-safe names.
func (c *Coordinator) lockPath(id string) string {
	return filepath.Join(c.dir, identity.Slugify(id)+".lock")
}

// AcquireExclusive takes the exclusive advisory lock for identity, blocking
// up to timeout. Re-entrant: a second acquire from this process increments a
// refcount instead of touching the OS lock.
func (c *Coordinator) AcquireExclusive(ctx context.Context, identity string, timeout time.Duration) error {
	return c.acquire(ctx, identity, c.lockPath(identity), timeout)
}

// TryAcquireExclusive attempts the lock once without blocking. Returns false
// if another process holds it. Used by the notification process to decide
// whether to skip an optional checkpoint rather than block.
func (c *Coordinator) TryAcquireExclusive(identity string) (bool, error) {
	return c.tryAcquire(identity, c.lockPath(identity))
}

// Release decrements the refcount for identity and releases the OS lock when
// it reaches zero.
func (c *Coordinator) Release(identity string) error {
	return c.release(identity)
}

// AcquireGlobal takes the process-wide lock used for whole-store transitions.
func (c *Coordinator) AcquireGlobal(ctx context.Context, timeout time.Duration) error {
	return c.acquire(ctx, globalLockName, filepath.Join(c.dir, globalLockName), timeout)
}

// TryAcquireGlobal attempts the global lock once without blocking.
func (c *Coordinator) TryAcquireGlobal() (bool, error) {
	return c.tryAcquire(globalLockName, filepath.Join(c.dir, globalLockName))
}

// ReleaseGlobal releases the global lock.
func (c *Coordinator) ReleaseGlobal() error {
	return c.release(globalLockName)
}

func (c *Coordinator) acquire(ctx context.Context, key, path string, timeout time.Duration) error {
	c.mu.Lock()
	if e, ok := c.locks[key]; ok {
		e.count++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	fl := gflock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, pollInterval)
	if err != nil {
		if lockCtx.Err() != nil {
			return fmt.Errorf("acquiring lock for %q: %w", key, vaulterr.ErrTimeout)
		}
		return &vaulterr.CoordinationError{Path: path, Err: err}
	}
	if !locked {
		return fmt.Errorf("acquiring lock for %q: %w", key, vaulterr.ErrTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.locks[key]; ok {
		// Lost the race to another goroutine in this process; fold into
		// its refcount and drop our OS handle.
		e.count++
		_ = fl.Unlock()
		return nil
	}
	c.locks[key] = &entry{fl: fl, count: 1}
	c.logger.Debug("acquired advisory lock", "key", key)
	return nil
}

func (c *Coordinator) tryAcquire(key, path string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.locks[key]; ok {
		e.count++
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	fl := gflock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, &vaulterr.CoordinationError{Path: path, Err: err}
	}
	if !locked {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.locks[key]; ok {
		e.count++
		_ = fl.Unlock()
		return true, nil
	}
	c.locks[key] = &entry{fl: fl, count: 1}
	return true, nil
}

func (c *Coordinator) release(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.locks[key]
	if !ok {
		return fmt.Errorf("release of lock %q not held", key)
	}
	e.count--
	if e.count > 0 {
		return nil
	}
	delete(c.locks, key)
	if err := e.fl.Unlock(); err != nil {
		return &vaulterr.CoordinationError{Path: e.fl.Path(), Err: err}
	}
	c.logger.Debug("released advisory lock", "key", key)
	return nil
}

// ReleaseAll drops every held lock regardless of refcount. Safety net for
// process teardown only.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.locks {
		if err := e.fl.Unlock(); err != nil {
			c.logger.Warn("failed to release lock during teardown", "key", key, "error", err)
		}
		delete(c.locks, key)
	}
}

// Held reports whether this process currently holds the lock for identity.
func (c *Coordinator) Held(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locks[identity]
	return ok
}
