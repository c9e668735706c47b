package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/locks"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/metrics"
	"github.com/mediaforge/foreman/pkg/registry"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

// Sweeper runs the periodic maintenance loops: expiring stale file locks,
// taking silent nodes offline, and refreshing the fleet gauges. Sweeps are
// idempotent; a missed or repeated cycle does no harm.
type Sweeper struct {
	store    storage.Store
	locks    *locks.Manager
	registry *registry.Registry

	lockInterval time.Duration
	nodeInterval time.Duration

	stopCh chan struct{}
	logger zerolog.Logger
}

// New creates a sweeper with the given cadences.
func New(store storage.Store, lockMgr *locks.Manager, reg *registry.Registry, lockInterval, nodeInterval time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		locks:        lockMgr,
		registry:     reg,
		lockInterval: lockInterval,
		nodeInterval: nodeInterval,
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("sweeper"),
	}
}

// Start launches the sweep loops.
func (s *Sweeper) Start() {
	go s.loop("locks", s.lockInterval, s.SweepLocks)
	go s.loop("nodes", s.nodeInterval, s.SweepNodes)
}

// Stop stops the sweep loops.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) loop(kind string, interval time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := sweep(ctx); err != nil {
				s.logger.Error().Err(err).Str("kind", kind).Msg("sweep cycle failed")
			}
			cancel()
			timer.ObserveDuration(metrics.SweepDuration.WithLabelValues(kind))
			metrics.SweepCyclesTotal.WithLabelValues(kind).Inc()
		case <-s.stopCh:
			return
		}
	}
}

// SweepLocks deletes expired lock rows.
func (s *Sweeper) SweepLocks(ctx context.Context) error {
	n, err := s.locks.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	metrics.LocksExpiredTotal.Add(float64(n))
	return s.refreshLockGauge(ctx)
}

// SweepNodes marks silent nodes offline and reclaims their work, then
// refreshes the fleet gauges.
func (s *Sweeper) SweepNodes(ctx context.Context) error {
	n, err := s.registry.SweepOffline(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	metrics.NodesSweptOfflineTotal.Add(float64(n))
	return s.refreshFleetGauges(ctx)
}

func (s *Sweeper) refreshLockGauge(ctx context.Context) error {
	lockRows, err := s.store.ListLocks(ctx)
	if err != nil {
		return err
	}
	metrics.FileLocksActive.Set(float64(len(lockRows)))
	return nil
}

func (s *Sweeper) refreshFleetGauges(ctx context.Context) error {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	available, offline := 0, 0
	for _, n := range nodes {
		if n.IsAvailable {
			available++
		} else {
			offline++
		}
	}
	metrics.NodesTotal.WithLabelValues("true").Set(float64(available))
	metrics.NodesTotal.WithLabelValues("false").Set(float64(offline))

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	byStatus := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		byStatus[t.Status]++
	}
	for _, status := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusRunning,
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	return nil
}
