package folders

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

// FanOutCompleter finishes a fan-out task once its folder items are all
// terminal. Implemented by the task coordinator.
type FanOutCompleter interface {
	CheckAndCompleteFanOut(ctx context.Context, taskID uint64) error
}

// Tracker manages folder-level sub-progress for fan-out tasks: the
// primitive that lets several nodes share one task without double-work.
type Tracker struct {
	store     storage.Store
	completer FanOutCompleter
	broker    *events.Broker
	now       func() time.Time
	logger    zerolog.Logger
}

// NewTracker creates a folder progress tracker.
func NewTracker(store storage.Store, completer FanOutCompleter, broker *events.Broker) *Tracker {
	return &Tracker{
		store:     store,
		completer: completer,
		broker:    broker,
		now:       time.Now,
		logger:    log.WithComponent("folders"),
	}
}

// CreateOrReplace records the folder enumeration for a fan-out task. Rows
// are upserted by (task, folder path); new rows start Pending at zero
// progress, existing rows keep their state. Paths must be unique within the
// request.
func (t *Tracker) CreateOrReplace(ctx context.Context, taskID uint64, folderPaths []string) ([]*types.FolderWorkItem, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Type.IsFanOut() {
		return nil, fmt.Errorf("task %d (%s) does not take folder work items: %w",
			taskID, task.Type, errdefs.ErrInvalidArgument)
	}
	if len(folderPaths) == 0 {
		return nil, fmt.Errorf("folder list must not be empty: %w", errdefs.ErrInvalidArgument)
	}

	now := t.now().UTC()
	seen := make(map[string]bool, len(folderPaths))
	items := make([]*types.FolderWorkItem, 0, len(folderPaths))
	for _, p := range folderPaths {
		if p == "" {
			return nil, fmt.Errorf("folder path must not be empty: %w", errdefs.ErrInvalidArgument)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate folder path %q: %w", p, errdefs.ErrConflict)
		}
		seen[p] = true
		items = append(items, &types.FolderWorkItem{
			TaskID:     taskID,
			FolderPath: p,
			FolderName: folderName(p),
			CreatedAt:  now,
		})
	}

	var out []*types.FolderWorkItem
	err = storage.WithRetry(ctx, func() error {
		var err error
		out, err = t.store.ReplaceFolders(ctx, taskID, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info().Uint64("task_id", taskID).Int("folders", len(out)).Msg("folder work items recorded")
	return out, nil
}

// ClaimNext atomically hands the first Pending folder of the task to the
// node. Concurrent claimers receive distinct items; when nothing is left the
// call fails with storage.ErrNoWork.
func (t *Tracker) ClaimNext(ctx context.Context, taskID uint64, nodeID, nodeName string) (*types.FolderWorkItem, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	item, err := t.store.ClaimNextFolder(ctx, taskID, nodeID, nodeName, t.now().UTC())
	if err != nil {
		return nil, err
	}
	t.logger.Debug().
		Uint64("task_id", taskID).
		Uint64("folder_id", item.ID).
		Str("node_id", nodeID).
		Msg("folder claimed")
	return item, nil
}

// Report records progress on a folder item. Terminal statuses stamp
// completion and trigger the fan-out completion check on the owning task.
func (t *Tracker) Report(ctx context.Context, folderID uint64, status types.FolderStatus, progress float64, errorMessage, outputPath string) (*types.FolderWorkItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown folder status %q: %w", status, errdefs.ErrInvalidArgument)
	}
	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("progress %v out of range [0,100]: %w", progress, errdefs.ErrInvalidArgument)
	}

	item, err := t.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	item.Status = status
	item.Progress = progress
	item.ErrorMessage = errorMessage
	if outputPath != "" {
		item.OutputPath = outputPath
	}
	if status.Terminal() {
		now := t.now().UTC()
		item.CompletedAt = &now
		if status == types.FolderStatusCompleted && progress == 0 {
			item.Progress = 100
		}
	}

	err = storage.WithRetry(ctx, func() error {
		return t.store.UpdateFolder(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	t.broker.Publish(&events.Event{
		Type:   events.EventTaskProgressChanged,
		TaskID: item.TaskID,
		Data: map[string]string{
			"folder_id":     fmt.Sprintf("%d", item.ID),
			"folder_status": string(item.Status),
			"progress":      fmt.Sprintf("%.1f", item.Progress),
		},
	})

	if status.Terminal() {
		if err := t.completer.CheckAndCompleteFanOut(ctx, item.TaskID); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// List returns the folder items of a task.
func (t *Tracker) List(ctx context.Context, taskID uint64) ([]*types.FolderWorkItem, error) {
	return t.store.ListFolders(ctx, taskID)
}

// Delete removes the folder items of a task.
func (t *Tracker) Delete(ctx context.Context, taskID uint64) error {
	return t.store.DeleteFolders(ctx, taskID)
}

// Progress projects task-level progress two ways: the mean folder percent
// and the ratio of terminal folders. Both come from one scan.
func (t *Tracker) Progress(ctx context.Context, taskID uint64) (mean, terminalRatio float64, err error) {
	items, err := t.store.ListFolders(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	if len(items) == 0 {
		return 0, 0, nil
	}
	terminal := 0
	for _, item := range items {
		mean += item.Progress
		if item.Status.Terminal() {
			terminal++
		}
	}
	mean /= float64(len(items))
	terminalRatio = float64(terminal) / float64(len(items))
	return mean, terminalRatio, nil
}

// folderName extracts the display name from a folder path, tolerating both
// separator styles.
func folderName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(strings.TrimRight(p, "/"))
}
