// ABOUTME: Scheduled retention manager purging expired epoch keys
// ABOUTME: Background ticker over every open identity store, independent of callers

package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StoreSource yields the epoch key stores to clean on each pass, typically
// one per cached identity handle.
type StoreSource func(ctx context.Context) ([]*Store, error)

// Manager runs cleanup on the policy's interval without requiring
// caller-initiated database access.
type Manager struct {
	policy Policy
	source StoreSource
	logger *slog.Logger

	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewManager creates a retention manager over the given store source. Call
// Start to begin the schedule.
func NewManager(policy Policy, source StoreSource) *Manager {
	return &Manager{
		policy: policy,
		source: source,
		logger: slog.Default().With("component", "retention"),
		done:   make(chan struct{}),
	}
}

// Start launches the background cleanup loop.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	interval := m.policy.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Cleanup(context.Background()); err != nil {
				m.logger.Warn("scheduled cleanup failed", "error", err)
			}
		case <-m.done:
			return
		}
	}
}

// Cleanup purges expired epoch keys across every store the source yields,
// returning the total purged count.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	stores, err := m.source(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range stores {
		n, err := s.Cleanup(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close stops the background loop. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
