// ABOUTME: Engine wiring composing keyring, lock coordinators, pool, repair and retention
// ABOUTME: One explicit instance per process, no global mutable singletons

package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-vault/internal/config"
	"github.com/2389/coven-vault/internal/coordinator"
	"github.com/2389/coven-vault/internal/flock"
	"github.com/2389/coven-vault/internal/keyring"
	"github.com/2389/coven-vault/internal/pool"
	"github.com/2389/coven-vault/internal/repair"
	"github.com/2389/coven-vault/internal/retention"
)

// switchTimeout bounds the global lock wait during an account switch.
const switchTimeout = 15 * time.Second

// Engine is one process's view of the shared encrypted stores. Each process
// constructs exactly one Engine and passes it explicitly; all cross-process
// coordination happens through the filesystem underneath.
type Engine struct {
	Keys      *keyring.Keyring
	Locks     *flock.Coordinator
	Files     *coordinator.FileCoordinator
	Pool      *pool.Manager
	Repair    *repair.Machine
	Retention *retention.Manager

	policy retention.Policy
	logger *slog.Logger
}

// Open wires up an engine from configuration. The passphrase unlocks the
// keyring; it is the caller's to zero afterwards.
func Open(cfg *config.Config, passphrase []byte) (*Engine, error) {
	keys, err := keyring.Open(cfg.Storage.KeyringPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	locks, err := flock.NewCoordinator(cfg.Storage.LockDir)
	if err != nil {
		return nil, err
	}
	files, err := coordinator.New(cfg.Storage.LockDir)
	if err != nil {
		return nil, err
	}

	mgr := pool.NewManager(pool.Config{
		DataDir:      cfg.Storage.DataDir,
		MaxReaders:   cfg.Pool.MaxReaders,
		BusyTimeout:  cfg.Pool.BusyTimeout,
		DrainTimeout: cfg.Pool.DrainTimeout,
	}, keys, locks)

	machine := repair.NewMachine(repair.Config{
		DataDir:        cfg.Storage.DataDir,
		TransientStep:  cfg.Repair.TransientStep,
		TransientBound: cfg.Repair.TransientBound,
		CooldownBase:   cfg.Repair.CooldownBase,
		CooldownCap:    cfg.Repair.CooldownCap,
	})
	machine.SetProbe(mgr.ProbeOpen)
	mgr.SetRepairer(machine)

	policy := resolvePolicy(cfg.Retention)
	e := &Engine{
		Keys:   keys,
		Locks:  locks,
		Files:  files,
		Pool:   mgr,
		Repair: machine,
		policy: policy,
		logger: slog.Default().With("component", "vault"),
	}
	e.Retention = retention.NewManager(policy, e.retentionStores)
	return e, nil
}

// resolvePolicy maps the retention config onto a policy: a named preset when
// given, otherwise the custom triple.
func resolvePolicy(rc config.RetentionConfig) retention.Policy {
	if rc.Preset != "" {
		if p, ok := retention.PresetByName(rc.Preset); ok {
			return p
		}
	}
	p := retention.Policy{
		RetentionPeriod: rc.RetentionPeriod,
		CleanupInterval: rc.CleanupInterval,
		PurgeCiphertext: rc.PurgeCiphertext,
	}
	if p.CleanupInterval <= 0 {
		p.CleanupInterval = retention.PolicyStandard.CleanupInterval
	}
	return p
}

// retentionStores yields one epoch key store per open handle.
func (e *Engine) retentionStores(ctx context.Context) ([]*retention.Store, error) {
	handles := e.Pool.CachedHandles()
	stores := make([]*retention.Store, 0, len(handles))
	for _, h := range handles {
		stores = append(stores, retention.NewStore(h, e.policy))
	}
	return stores, nil
}

// Policy returns the retention policy in force.
func (e *Engine) Policy() retention.Policy { return e.policy }

// SecretStore returns the foreign-function boundary storage for an identity,
// backed by an ephemeral handle so a crypto-layer call for a background
// identity never disturbs the foreground one.
func (e *Engine) SecretStore(ctx context.Context, id string) (*retention.Store, error) {
	h, err := e.Pool.GetEphemeral(ctx, id)
	if err != nil {
		return nil, err
	}
	return retention.NewStore(h, e.policy), nil
}

// SwitchAccount moves the foreground from one identity to another under the
// global lock, draining the old identity first. The global lock excludes
// every other whole-store transition in both processes for the duration.
func (e *Engine) SwitchAccount(ctx context.Context, from, to string) (*pool.Handle, error) {
	if err := e.Locks.AcquireGlobal(ctx, switchTimeout); err != nil {
		return nil, fmt.Errorf("acquiring global lock for account switch: %w", err)
	}
	defer func() {
		if rerr := e.Locks.ReleaseGlobal(); rerr != nil {
			e.logger.Warn("releasing global lock after switch", "error", rerr)
		}
	}()

	if from != "" && from != to {
		if err := e.Pool.CloseAndDrain(ctx, from, 0); err != nil {
			e.logger.Warn("draining previous identity during switch",
				"identity", from, "error", err)
		}
	}
	h, err := e.Pool.Get(ctx, to)
	if err != nil {
		return nil, err
	}
	e.logger.Info("switched account", "from", from, "to", to)
	return h, nil
}

// WithRead runs op under the shared cross-process coordination lock for id.
func (e *Engine) WithRead(ctx context.Context, id string, timeout time.Duration, op coordinator.Operation) error {
	return e.Files.Read(ctx, id, timeout, op)
}

// WithWrite runs op under the exclusive cross-process coordination lock.
func (e *Engine) WithWrite(ctx context.Context, id string, timeout time.Duration, op coordinator.Operation) error {
	return e.Files.Write(ctx, id, timeout, op)
}

// Start launches background work (the retention schedule).
func (e *Engine) Start() {
	e.Retention.Start()
}

// Close tears the engine down: retention loop stopped, handles closed with a
// best-effort checkpoint, every advisory lock released.
func (e *Engine) Close(ctx context.Context) {
	e.Retention.Close()
	e.Pool.CloseAll(ctx)
	e.logger.Info("engine closed")
}
