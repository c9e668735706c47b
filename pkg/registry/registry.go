package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/locks"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

// TaskReclaimer reverts a silent node's running single-assignee tasks back
// to Pending. Implemented by the task coordinator.
type TaskReclaimer interface {
	ReclaimNodeTasks(ctx context.Context, nodeID string) (int, error)
}

// Registry is the catalog of known worker nodes and their liveness.
type Registry struct {
	store            storage.Store
	locks            *locks.Manager
	tasks            TaskReclaimer
	broker           *events.Broker
	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           zerolog.Logger
}

// NewRegistry creates a node registry.
func NewRegistry(store storage.Store, lockMgr *locks.Manager, tasks TaskReclaimer, broker *events.Broker, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		store:            store,
		locks:            lockMgr,
		tasks:            tasks,
		broker:           broker,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
		logger:           log.WithComponent("registry"),
	}
}

func validateNode(node *types.Node) error {
	if node.ID == "" {
		return fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if len(node.ID) > types.MaxNodeIDLength {
		return fmt.Errorf("node id exceeds %d characters: %w",
			types.MaxNodeIDLength, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Register upserts a node by id. New nodes come up available with a fresh
// heartbeat; re-registration refreshes name, address and fingerprint while
// preserving the original creation time.
func (r *Registry) Register(ctx context.Context, node *types.Node) (*types.Node, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	persisted := &types.Node{
		ID:                  node.ID,
		Name:                node.Name,
		IPAddress:           node.IPAddress,
		HardwareFingerprint: node.HardwareFingerprint,
		IsAvailable:         true,
		LastHeartbeat:       now,
		CreatedAt:           now,
	}
	if existing, err := r.store.GetNode(ctx, node.ID); err == nil {
		persisted.CreatedAt = existing.CreatedAt
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	err := storage.WithRetry(ctx, func() error {
		return r.store.PutNode(ctx, persisted)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("node_id", persisted.ID).Str("ip", persisted.IPAddress).Msg("node registered")
	r.broker.Publish(&events.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  persisted.ID,
		Message: persisted.Name,
	})
	return persisted, nil
}

// Heartbeat refreshes a node's liveness and marks it available.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.LastHeartbeat = r.now().UTC()
	node.IsAvailable = true
	return storage.WithRetry(ctx, func() error {
		return r.store.PutNode(ctx, node)
	})
}

// ListAvailable returns nodes currently marked available.
func (r *Registry) ListAvailable(ctx context.Context) ([]*types.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	available := nodes[:0]
	for _, n := range nodes {
		if n.IsAvailable {
			available = append(available, n)
		}
	}
	return available, nil
}

// ListAll returns every known node.
func (r *Registry) ListAll(ctx context.Context) ([]*types.Node, error) {
	return r.store.ListNodes(ctx)
}

// Disconnect marks a node unavailable and reclaims its work: locks are
// released, its running single-assignee tasks revert to Pending, and its
// in-progress folder items become claimable again. Safe to repeat.
func (r *Registry) Disconnect(ctx context.Context, nodeID string) error {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.IsAvailable = false
	if err := r.store.PutNode(ctx, node); err != nil {
		return err
	}
	if err := r.reclaim(ctx, nodeID); err != nil {
		return err
	}

	r.logger.Info().Str("node_id", nodeID).Msg("node disconnected")
	r.broker.Publish(&events.Event{
		Type:   events.EventNodeDisconnected,
		NodeID: nodeID,
	})
	return nil
}

// SweepOffline transitions nodes whose heartbeat is older than the timeout
// at now to unavailable, reclaiming their work like Disconnect. Returns how
// many nodes were taken offline.
func (r *Registry) SweepOffline(ctx context.Context, now time.Time) (int, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, node := range nodes {
		if !node.IsAvailable || now.Sub(node.LastHeartbeat) <= r.heartbeatTimeout {
			continue
		}
		r.logger.Warn().
			Str("node_id", node.ID).
			Dur("silent_for", now.Sub(node.LastHeartbeat)).
			Msg("node went silent, marking offline")

		node.IsAvailable = false
		if err := r.store.PutNode(ctx, node); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to mark node offline")
			continue
		}
		if err := r.reclaim(ctx, node.ID); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to reclaim node work")
			continue
		}
		r.broker.Publish(&events.Event{
			Type:   events.EventNodeDisconnected,
			NodeID: node.ID,
		})
		swept++
	}
	return swept, nil
}

func (r *Registry) reclaim(ctx context.Context, nodeID string) error {
	if _, err := r.locks.ReleaseAllFor(ctx, nodeID); err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}
	if _, err := r.tasks.ReclaimNodeTasks(ctx, nodeID); err != nil {
		return fmt.Errorf("failed to revert tasks: %w", err)
	}
	if _, err := r.store.ResetFoldersFor(ctx, nodeID); err != nil {
		return fmt.Errorf("failed to revert folder items: %w", err)
	}
	return nil
}
