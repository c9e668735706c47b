package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

// Manager is the advisory file-lock service. The server guarantees one
// holder per normalized path; it does not police filesystem I/O.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a lock manager with the given TTL.
func NewManager(store storage.Store, ttl time.Duration) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: log.WithComponent("locks"),
	}
}

// TTL returns the configured lock time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func validate(path, nodeID string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if nodeID == "" {
		return fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// TryAcquire attempts to take the lock on path for nodeID. It returns true
// when the caller now holds the lock: fresh rows, expired rows, and
// re-entrant acquires by the current holder all succeed. A live lock held
// by another node returns false without error.
func (m *Manager) TryAcquire(ctx context.Context, path, nodeID string) (bool, *types.FileLock, error) {
	if err := validate(path, nodeID); err != nil {
		return false, nil, err
	}
	normalized := Normalize(path)
	var (
		acquired bool
		lock     *types.FileLock
	)
	err := storage.WithRetry(ctx, func() error {
		var err error
		acquired, lock, err = m.store.AcquireLock(ctx, normalized, nodeID, m.ttl, m.now().UTC())
		return err
	})
	if err != nil {
		return false, nil, err
	}
	if acquired {
		m.logger.Debug().Str("path", normalized).Str("node_id", nodeID).Msg("lock acquired")
	}
	return acquired, lock, nil
}

// Refresh extends the lock on path if nodeID holds it. Returns whether the
// row was refreshed.
func (m *Manager) Refresh(ctx context.Context, path, nodeID string) (bool, error) {
	if err := validate(path, nodeID); err != nil {
		return false, err
	}
	var refreshed bool
	err := storage.WithRetry(ctx, func() error {
		var err error
		refreshed, err = m.store.RefreshLock(ctx, Normalize(path), nodeID, m.now().UTC())
		return err
	})
	return refreshed, err
}

// Release drops the lock on path if nodeID holds it. Returns whether a row
// was deleted.
func (m *Manager) Release(ctx context.Context, path, nodeID string) (bool, error) {
	if err := validate(path, nodeID); err != nil {
		return false, err
	}
	var released bool
	err := storage.WithRetry(ctx, func() error {
		var err error
		released, err = m.store.ReleaseLock(ctx, Normalize(path), nodeID)
		return err
	})
	if released {
		m.logger.Debug().Str("path", Normalize(path)).Str("node_id", nodeID).Msg("lock released")
	}
	return released, err
}

// List returns all lock rows, live and expired alike.
func (m *Manager) List(ctx context.Context) ([]*types.FileLock, error) {
	return m.store.ListLocks(ctx)
}

// Sweep deletes rows whose last refresh is older than the TTL at now.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := m.store.DeleteExpiredLocks(ctx, m.ttl, now.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Int("expired", n).Msg("swept expired locks")
	}
	return n, nil
}

// ReleaseAllFor drops every lock held by nodeID, used when a node is
// disconnected or goes silent.
func (m *Manager) ReleaseAllFor(ctx context.Context, nodeID string) (int, error) {
	if nodeID == "" {
		return 0, fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	n, err := m.store.DeleteLocksFor(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Str("node_id", nodeID).Int("released", n).Msg("released locks for node")
	}
	return n, nil
}

// ResetAll deletes every lock row. Admin only.
func (m *Manager) ResetAll(ctx context.Context) error {
	m.logger.Warn().Msg("resetting all file locks")
	return m.store.ResetLocks(ctx)
}
