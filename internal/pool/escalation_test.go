// ABOUTME: End-to-end escalation tests pairing the real pool manager and repair machine
// ABOUTME: Corruption runs the full ladder to a usable handle; persistent locks fail closed

package pool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-vault/internal/flock"
	"github.com/2389/coven-vault/internal/keyring"
	"github.com/2389/coven-vault/internal/pool"
	"github.com/2389/coven-vault/internal/repair"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// setupPair wires a real manager to a real repair machine over one data
// directory, the way the engine does.
func setupPair(t *testing.T) (*pool.Manager, *repair.Machine, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	keys, err := keyring.Open(filepath.Join(dir, "keyring.yaml"), []byte("test"))
	require.NoError(t, err)
	locks, err := flock.NewCoordinator(filepath.Join(dir, "locks"))
	require.NoError(t, err)

	mgr := pool.NewManager(pool.Config{DataDir: dataDir}, keys, locks)
	machine := repair.NewMachine(repair.Config{
		DataDir:        dataDir,
		TransientStep:  5 * time.Millisecond,
		TransientBound: 40 * time.Millisecond,
	})
	machine.SetProbe(mgr.ProbeOpen)
	mgr.SetRepairer(machine)
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })
	return mgr, machine, dataDir
}

func TestGet_CorruptionLadderYieldsUsableHandle(t *testing.T) {
	mgr, machine, _ := setupPair(t)
	ctx := context.Background()

	// Seed a real store, then drain it so the next Get opens fresh.
	_, err := mgr.Get(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mgr.CloseAndDrain(ctx, "alice", 0))

	// Corruption on three consecutive opens inside one Get: side-file
	// repair twice, destructive reset third, then a clean open.
	failures := 0
	mgr.SetOpenFunc(func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*pool.Handle, error) {
		if failures < 3 {
			failures++
			return nil, sqlite3.Error{Code: sqlite3.ErrCorrupt}
		}
		return pool.OpenHandle(ctx, id, path, pragmaKey, maxReaders, busyTimeout)
	})

	start := time.Now()
	h, err := mgr.Get(ctx, "alice")
	require.NoError(t, err, "the ladder must end in a usable handle")
	require.NotNil(t, h)
	assert.Equal(t, 3, failures, "all three rungs should have run")
	assert.Less(t, time.Since(start), 2*time.Second,
		"the ladder's own third rung must not be throttled")
	assert.NoError(t, h.Validate(ctx))
	assert.Zero(t, machine.Attempts("alice"), "success resets escalation")
}

func TestGet_PersistentLockFailsClosedUntouched(t *testing.T) {
	mgr, _, dataDir := setupPair(t)
	ctx := context.Background()

	_, err := mgr.Get(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mgr.CloseAndDrain(ctx, "alice", 0))

	dbPath := pool.StorePath(dataDir, "alice")
	before, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	// Another process holds the engine lock for the whole bounded wait; the
	// probe sees the same contention every tick.
	mgr.SetOpenFunc(func(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*pool.Handle, error) {
		return nil, sqlite3.Error{Code: sqlite3.ErrLocked}
	})

	_, err = mgr.Get(ctx, "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterr.ErrLockedRestartRequired),
		"expected fail-closed sentinel, got %v", err)

	after, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "persistent contention must leave the store byte-identical")
}
