package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mediaforge/foreman/pkg/types"
)

// ErrNoWork is returned by ClaimNextFolder when a task has no Pending
// folder work items left. It is a normal result, not a failure.
var ErrNoWork = errors.New("no pending folder work")

// VersionConflictError is returned when an optimistic task update carries a
// stale version. Current holds the persisted task so the caller can
// reconcile.
type VersionConflictError struct {
	TaskID          uint64
	ExpectedVersion uint64
	Current         *types.Task
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("task %d: version conflict: expected %d, have %d",
		e.TaskID, e.ExpectedVersion, e.Current.Version)
}

// IsVersionConflict reports whether err is a VersionConflictError and
// returns it when so.
func IsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

// Store defines typed persistence for the dispatch server state. Compound
// operations (task update, folder claim, lock acquire) are executed inside a
// serializable transaction; concurrent callers observe a linear order.
type Store interface {
	// Nodes
	PutNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)

	// Tasks
	CreateTask(ctx context.Context, task *types.Task) (*types.Task, error)
	GetTask(ctx context.Context, id uint64) (*types.Task, error)
	ListTasks(ctx context.Context) ([]*types.Task, error)
	// UpdateTask persists task only if the stored version equals
	// expectedVersion, incrementing the version. On mismatch it fails with
	// a VersionConflictError carrying the current row.
	UpdateTask(ctx context.Context, task *types.Task, expectedVersion uint64) (*types.Task, error)
	// DeleteTask removes the task and cascades its folder work items.
	DeleteTask(ctx context.Context, id uint64) error

	// Folder work items
	ReplaceFolders(ctx context.Context, taskID uint64, items []*types.FolderWorkItem) ([]*types.FolderWorkItem, error)
	GetFolder(ctx context.Context, id uint64) (*types.FolderWorkItem, error)
	ListFolders(ctx context.Context, taskID uint64) ([]*types.FolderWorkItem, error)
	UpdateFolder(ctx context.Context, item *types.FolderWorkItem) error
	DeleteFolders(ctx context.Context, taskID uint64) error
	// ClaimNextFolder atomically marks the first Pending item of the task
	// InProgress for the node, or fails with ErrNoWork.
	ClaimNextFolder(ctx context.Context, taskID uint64, nodeID, nodeName string, now time.Time) (*types.FolderWorkItem, error)
	// ResetFoldersFor reverts InProgress items assigned to nodeID back to
	// Pending and returns how many were reverted.
	ResetFoldersFor(ctx context.Context, nodeID string) (int, error)

	// File locks, keyed by normalized path
	AcquireLock(ctx context.Context, normalizedPath, holderNodeID string, ttl time.Duration, now time.Time) (bool, *types.FileLock, error)
	RefreshLock(ctx context.Context, normalizedPath, holderNodeID string, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, normalizedPath, holderNodeID string) (bool, error)
	ListLocks(ctx context.Context) ([]*types.FileLock, error)
	DeleteExpiredLocks(ctx context.Context, ttl time.Duration, now time.Time) (int, error)
	DeleteLocksFor(ctx context.Context, nodeID string) (int, error)
	ResetLocks(ctx context.Context) error

	Close() error
}
