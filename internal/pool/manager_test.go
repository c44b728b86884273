// ABOUTME: Tests for the pool manager's caching, classification and close draining
// ABOUTME: Injects classified storage errors through the open hook

package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/2389/coven-vault/internal/flock"
	"github.com/2389/coven-vault/internal/keyring"
	"github.com/2389/coven-vault/internal/vaulterr"
)

type fakeRepairer struct {
	repairs   int
	successes int
	err       error
	onRepair  func()
}

func (f *fakeRepairer) Repair(ctx context.Context, identity string, trigger error) error {
	f.repairs++
	if f.onRepair != nil {
		f.onRepair()
	}
	return f.err
}

func (f *fakeRepairer) NoteOpenSuccess(identity string) { f.successes++ }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	keys, err := keyring.Open(filepath.Join(dir, "keyring.yaml"), []byte("test-passphrase"))
	if err != nil {
		t.Fatalf("keyring.Open: %v", err)
	}
	locks, err := flock.NewCoordinator(filepath.Join(dir, "locks"))
	if err != nil {
		t.Fatalf("flock.NewCoordinator: %v", err)
	}
	return NewManager(Config{
		DataDir:      filepath.Join(dir, "data"),
		DrainTimeout: 500 * time.Millisecond,
	}, keys, locks)
}

func TestGet_CachesHandle(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	h1, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h2, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if h1 != h2 {
		t.Error("expected cached handle on second Get")
	}
	if m.Active() != "alice" {
		t.Errorf("active = %q, want alice", m.Active())
	}
}

func TestGet_SwitchMarksActive(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	if _, err := m.Get(context.Background(), "alice"); err != nil {
		t.Fatalf("Get alice: %v", err)
	}
	if _, err := m.Get(context.Background(), "bob"); err != nil {
		t.Fatalf("Get bob: %v", err)
	}
	if m.Active() != "bob" {
		t.Errorf("active = %q, want bob", m.Active())
	}
	// Both handles stay cached; switching does not close the previous one.
	if len(m.CachedHandles()) != 2 {
		t.Errorf("cached handles = %d, want 2", len(m.CachedHandles()))
	}
}

func TestGetEphemeral_LeavesActiveAlone(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	if _, err := m.Get(context.Background(), "alice"); err != nil {
		t.Fatalf("Get alice: %v", err)
	}
	if _, err := m.GetEphemeral(context.Background(), "bob"); err != nil {
		t.Fatalf("GetEphemeral bob: %v", err)
	}
	if m.Active() != "alice" {
		t.Errorf("ephemeral access changed active identity to %q", m.Active())
	}
}

func TestOpenNew_CorruptionDrivesRepairThenReopen(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	rep := &fakeRepairer{}
	m.SetRepairer(rep)

	// Fail with corruption until repair has run once, then open for real.
	failing := true
	rep.onRepair = func() { failing = false }
	m.open = func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
		if failing {
			return nil, sqlite3.Error{Code: sqlite3.ErrCorrupt}
		}
		return openHandle(ctx, id, path, pragmaKey, maxReaders, busyTimeout)
	}

	h, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get after repair: %v", err)
	}
	if h == nil {
		t.Fatal("expected handle after repair")
	}
	if rep.repairs != 1 {
		t.Errorf("repairs = %d, want 1", rep.repairs)
	}
	if rep.successes != 1 {
		t.Errorf("open-success notes = %d, want 1", rep.successes)
	}
}

func TestOpenNew_CorruptionSurfacesAfterRepairBudget(t *testing.T) {
	m := newTestManager(t)
	rep := &fakeRepairer{}
	m.SetRepairer(rep)
	m.open = func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
		return nil, sqlite3.Error{Code: sqlite3.ErrCorrupt}
	}

	_, err := m.Get(context.Background(), "alice")
	if err == nil {
		t.Fatal("expected error when corruption persists past repair budget")
	}
	if vaulterr.Classify(err) != vaulterr.ClassCorruption {
		t.Errorf("class = %v, want corruption", vaulterr.Classify(err))
	}
	if rep.repairs != maxRepairCycles {
		t.Errorf("repairs = %d, want %d", rep.repairs, maxRepairCycles)
	}
}

func TestOpenNew_KeyMismatchNeverRepairs(t *testing.T) {
	m := newTestManager(t)
	rep := &fakeRepairer{}
	m.SetRepairer(rep)
	m.open = func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
		return nil, sqlite3.Error{Code: sqlite3.ErrNotADB}
	}

	_, err := m.Get(context.Background(), "alice")
	if !errors.Is(err, vaulterr.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if rep.repairs != 0 {
		t.Errorf("repairs = %d, want 0: wrong key must never destroy data", rep.repairs)
	}
}

func TestOpenNew_TransientWaitsThenRetries(t *testing.T) {
	m := newTestManager(t)
	rep := &fakeRepairer{}
	m.SetRepairer(rep)

	// The other process holds the store; the repairer's bounded wait sees
	// the contention clear, and the retry opens for real.
	busy := true
	rep.onRepair = func() { busy = false }
	m.open = func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
		if busy {
			return nil, sqlite3.Error{Code: sqlite3.ErrLocked}
		}
		return openHandle(ctx, id, path, pragmaKey, maxReaders, busyTimeout)
	}

	h, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get after contention cleared: %v", err)
	}
	if h == nil {
		t.Fatal("expected handle")
	}
	if rep.repairs != 1 {
		t.Errorf("repair invocations = %d, want 1", rep.repairs)
	}
	m.CloseAll(context.Background())
}

func TestOpenNew_TransientFailsClosedWhenContentionPersists(t *testing.T) {
	m := newTestManager(t)
	rep := &fakeRepairer{err: fmt.Errorf("store for %q: %w", "alice", vaulterr.ErrLockedRestartRequired)}
	m.SetRepairer(rep)
	m.open = func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
		return nil, sqlite3.Error{Code: sqlite3.ErrLocked}
	}

	_, err := m.Get(context.Background(), "alice")
	if !errors.Is(err, vaulterr.ErrLockedRestartRequired) {
		t.Fatalf("expected ErrLockedRestartRequired, got %v", err)
	}
	if rep.repairs != 1 {
		t.Errorf("repair invocations = %d, want 1", rep.repairs)
	}
	if len(m.CachedHandles()) != 0 {
		t.Error("no handle should be cached after failing closed")
	}
}

func TestHandleInvalid_TransientKeepsHandleCached(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	h, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, err = m.handleInvalid(context.Background(), "alice", h,
		sqlite3.Error{Code: sqlite3.ErrBusy}, false)
	if err == nil {
		t.Fatal("expected error for busy handle")
	}
	m.mu.Lock()
	cached := m.handles["alice"]
	m.mu.Unlock()
	if cached != h {
		t.Error("transient failure must not evict the handle")
	}
}

func TestHandleInvalid_KeyMismatchEvicts(t *testing.T) {
	m := newTestManager(t)
	rep := &fakeRepairer{}
	m.SetRepairer(rep)

	h, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, err = m.handleInvalid(context.Background(), "alice", h,
		sqlite3.Error{Code: sqlite3.ErrNotADB}, false)
	if !errors.Is(err, vaulterr.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if rep.repairs != 0 {
		t.Errorf("repairs = %d, want 0", rep.repairs)
	}
	m.mu.Lock()
	_, stillCached := m.handles["alice"]
	m.mu.Unlock()
	if stillCached {
		t.Error("key-mismatch handle must be evicted")
	}
}

func TestWaitForClose_TimesOut(t *testing.T) {
	m := newTestManager(t)

	ch := make(chan struct{})
	m.mu.Lock()
	m.closing["alice"] = ch
	m.mu.Unlock()

	_, err := m.Get(context.Background(), "alice")
	if !errors.Is(err, vaulterr.ErrCloseInProgress) {
		t.Fatalf("expected ErrCloseInProgress, got %v", err)
	}

	// Once the close completes, opens proceed.
	m.mu.Lock()
	delete(m.closing, "alice")
	m.mu.Unlock()
	close(ch)
	if _, err := m.Get(context.Background(), "alice"); err != nil {
		t.Fatalf("Get after drain: %v", err)
	}
	m.CloseAll(context.Background())
}

func TestCloseAndDrain(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get(context.Background(), "alice"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.CloseAndDrain(context.Background(), "alice", 0); err != nil {
		t.Fatalf("CloseAndDrain: %v", err)
	}
	if len(m.CachedHandles()) != 0 {
		t.Error("handle still cached after drain")
	}
	if m.Active() != "" {
		t.Errorf("active = %q after closing active identity", m.Active())
	}
	// Closing an identity with no handle is a no-op.
	if err := m.CloseAndDrain(context.Background(), "alice", 0); err != nil {
		t.Fatalf("CloseAndDrain (absent): %v", err)
	}
}

func TestCloseAllExcept(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := m.Get(context.Background(), id); err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
	}
	m.CloseAllExcept(context.Background(), "carol")

	hs := m.CachedHandles()
	if len(hs) != 1 || hs[0].Identity != "carol" {
		t.Errorf("expected only carol cached, got %d handles", len(hs))
	}
}

func TestProbeOpen(t *testing.T) {
	m := newTestManager(t)
	defer m.CloseAll(context.Background())

	if err := m.ProbeOpen(context.Background(), "alice"); err != nil {
		t.Fatalf("ProbeOpen: %v", err)
	}
	// Probes never populate the cache.
	if len(m.CachedHandles()) != 0 {
		t.Error("probe cached a handle")
	}
}
