// ABOUTME: Cooperative file coordinator serializing operations across processes
// ABOUTME: Shared locks for readers, exclusive for writers, one timeout spanning lock and body

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gflock "github.com/gofrs/flock"

	"github.com/2389/coven-vault/internal/identity"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// pollInterval is the retry cadence while waiting for the file lock.
const pollInterval = 25 * time.Millisecond

// DefaultTimeout bounds a coordinated operation when the caller passes no
// explicit timeout.
const DefaultTimeout = 10 * time.Second

// globalFileName is the coordination file used when no identity is given.
const globalFileName = "coordinator.lock"

// Operation is a coordinated operation body. It must honor ctx: when the
// overall timeout fires the context is cancelled and the operation's result
// is discarded.
type Operation func(ctx context.Context) error

// FileCoordinator serializes operations on a logical per-identity resource
// across both processes. Multiple readers may run concurrently; a writer
// excludes readers and other writers. The timeout covers lock acquisition
// plus the operation body, so a caller that acquires the lock and then hangs
// cannot stall the other process indefinitely.
type FileCoordinator struct {
	dir    string
	logger *slog.Logger
}

// New creates a coordinator using lock files under dir, creating the
// directory if needed.
func New(dir string) (*FileCoordinator, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating coordination directory: %w", err)
	}
	return &FileCoordinator{
		dir:    dir,
		logger: slog.Default().With("component", "coordinator"),
	}, nil
}

func (fc *FileCoordinator) path(id string) string {
	if id == "" {
		return filepath.Join(fc.dir, globalFileName)
	}
	return filepath.Join(fc.dir, identity.Slugify(id)+".coord.lock")
}

// Read runs op while holding the shared lock for id (or the global lock if
// id is empty). timeout <= 0 selects DefaultTimeout.
func (fc *FileCoordinator) Read(ctx context.Context, id string, timeout time.Duration, op Operation) error {
	return fc.perform(ctx, id, timeout, false, op)
}

// Write runs op while holding the exclusive lock for id (or the global lock
// if id is empty). timeout <= 0 selects DefaultTimeout.
func (fc *FileCoordinator) Write(ctx context.Context, id string, timeout time.Duration, op Operation) error {
	return fc.perform(ctx, id, timeout, true, op)
}

func (fc *FileCoordinator) perform(ctx context.Context, id string, timeout time.Duration, exclusive bool, op Operation) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	path := fc.path(id)
	fl := gflock.New(path)

	// One deadline spans both the lock wait and the operation body.
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(opCtx, pollInterval)
	} else {
		locked, err = fl.TryRLockContext(opCtx, pollInterval)
	}
	if err != nil {
		if opCtx.Err() != nil {
			return fmt.Errorf("coordinating on %s: %w", path, vaulterr.ErrTimeout)
		}
		return &vaulterr.CoordinationError{Path: path, Err: err}
	}
	if !locked {
		return fmt.Errorf("coordinating on %s: %w", path, vaulterr.ErrTimeout)
	}
	defer func() {
		if uerr := fl.Unlock(); uerr != nil {
			fc.logger.Warn("failed to release coordination lock", "path", path, "error", uerr)
		}
	}()

	// Run the body in its own goroutine so the deadline can fire while it
	// is in flight. Exactly one resolution is delivered: the select below
	// takes whichever side finishes first and the loser is discarded (the
	// result channel is buffered so the body's goroutine never leaks).
	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		// A body that returns the deadline's own error raced the timer;
		// normalize so callers always see the timeout sentinel.
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("coordinated operation on %s: %w", path, vaulterr.ErrTimeout)
		}
		return err
	case <-opCtx.Done():
		fc.logger.Warn("coordinated operation timed out", "path", path, "exclusive", exclusive)
		return fmt.Errorf("coordinated operation on %s: %w", path, vaulterr.ErrTimeout)
	}
}

// ReadValue runs op under the shared lock and returns its result. On error
// (including timeout) the zero value is returned; the in-flight body's result
// is never read, so a late completion cannot race the caller.
func ReadValue[T any](ctx context.Context, fc *FileCoordinator, id string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := fc.Read(ctx, id, timeout, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// WriteValue runs op under the exclusive lock and returns its result, with
// the same late-completion discipline as ReadValue.
func WriteValue[T any](ctx context.Context, fc *FileCoordinator, id string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := fc.Write(ctx, id, timeout, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
