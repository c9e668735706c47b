package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

// assignRetries bounds the CAS loop for idempotent read-modify-write
// operations that may race with other updaters.
const assignRetries = 5

// Coordinator owns the task lifecycle: creation, assignment, status
// transitions, polling, and fan-out completion.
type Coordinator struct {
	store  storage.Store
	broker *events.Broker
	now    func() time.Time
	logger zerolog.Logger
}

// NewCoordinator creates a task coordinator.
func NewCoordinator(store storage.Store, broker *events.Broker) *Coordinator {
	return &Coordinator{
		store:  store,
		broker: broker,
		now:    time.Now,
		logger: log.WithComponent("coordinator"),
	}
}

// Create persists a new task in Pending and returns it with its
// server-assigned id and initial version.
func (c *Coordinator) Create(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("task name must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if !task.Type.Valid() {
		return nil, fmt.Errorf("unknown task type %q: %w", task.Type, errdefs.ErrInvalidArgument)
	}

	task.Status = types.TaskStatusPending
	task.CreatedAt = c.now().UTC()
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ResultMessage = ""
	if task.AssignedNodeID == "" && len(task.AssignedNodeIDs) > 0 {
		task.AssignedNodeID = task.AssignedNodeIDs[0]
	}

	var created *types.Task
	err := storage.WithRetry(ctx, func() error {
		var err error
		created, err = c.store.CreateTask(ctx, task)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Uint64("task_id", created.ID).Str("type", string(created.Type)).Msg("task created")
	c.broker.Publish(&events.Event{
		Type:    events.EventTaskCreated,
		TaskID:  created.ID,
		Message: created.Name,
	})
	return created, nil
}

// Get fetches a task by id.
func (c *Coordinator) Get(ctx context.Context, id uint64) (*types.Task, error) {
	return c.store.GetTask(ctx, id)
}

// List returns all tasks.
func (c *Coordinator) List(ctx context.Context) ([]*types.Task, error) {
	return c.store.ListTasks(ctx)
}

// Delete removes a task and its folder work items.
func (c *Coordinator) Delete(ctx context.Context, id uint64) error {
	return c.store.DeleteTask(ctx, id)
}

// Assign adds nodeID to the task's assignee list. Idempotent per node; the
// primary assignee slot is filled on first assignment. Status is untouched.
func (c *Coordinator) Assign(ctx context.Context, taskID uint64, nodeID string) (*types.Task, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}

	for attempt := 0; attempt < assignRetries; attempt++ {
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		present := false
		for _, id := range task.AssignedNodeIDs {
			if id == nodeID {
				present = true
				break
			}
		}
		if present && task.AssignedNodeID != "" {
			return task, nil
		}
		if !present {
			task.AssignedNodeIDs = append(task.AssignedNodeIDs, nodeID)
		}
		if task.AssignedNodeID == "" {
			task.AssignedNodeID = nodeID
		}

		updated, err := c.store.UpdateTask(ctx, task, task.Version)
		if err != nil {
			if _, conflict := storage.IsVersionConflict(err); conflict {
				continue // lost the race, re-read and retry
			}
			return nil, err
		}

		c.broker.Publish(&events.Event{
			Type:   events.EventTaskAssigned,
			TaskID: updated.ID,
			NodeID: nodeID,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("task %d: assignment kept conflicting: %w", taskID, errdefs.ErrUnavailable)
}

// UpdateStatus moves the task through its state machine. expectedVersion is
// the optimistic token the caller last read; on mismatch the update fails
// with a VersionConflictError carrying the current task. callerNodeID, when
// non-empty, must be among the task's assignees.
func (c *Coordinator) UpdateStatus(ctx context.Context, taskID uint64, newStatus types.TaskStatus, resultMessage string, expectedVersion uint64, callerNodeID string) (*types.Task, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", newStatus, errdefs.ErrInvalidArgument)
	}
	if len(resultMessage) > types.MaxResultMessageLength {
		return nil, fmt.Errorf("result message exceeds %d characters: %w",
			types.MaxResultMessageLength, errdefs.ErrInvalidArgument)
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerNodeID != "" && !task.AssignedTo(callerNodeID) {
		return nil, fmt.Errorf("node %s is not assigned to task %d: %w",
			callerNodeID, taskID, errdefs.ErrPermissionDenied)
	}
	if task.Version != expectedVersion {
		return nil, &storage.VersionConflictError{
			TaskID:          taskID,
			ExpectedVersion: expectedVersion,
			Current:         task,
		}
	}
	if !transitionAllowed(task.Status, newStatus) {
		return nil, fmt.Errorf("illegal transition %s -> %s for task %d: %w",
			task.Status, newStatus, taskID, errdefs.ErrFailedPrecondition)
	}

	oldStatus := task.Status
	now := c.now().UTC()
	task.Status = newStatus
	if resultMessage != "" {
		task.ResultMessage = resultMessage
	}
	if newStatus == types.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if newStatus.Terminal() {
		task.CompletedAt = &now
	}

	updated, err := c.store.UpdateTask(ctx, task, expectedVersion)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Uint64("task_id", taskID).
		Str("from", string(oldStatus)).
		Str("to", string(newStatus)).
		Msg("task status changed")
	c.publishStatusChange(updated, oldStatus, newStatus)
	return updated, nil
}

// PollForNode returns the tasks nodeID should work on now: its Pending
// assignments, plus Running fan-out tasks it belongs to. The latter lets a
// late-joining node pick up a task another assignee already started.
func (c *Coordinator) PollForNode(ctx context.Context, nodeID string) ([]*types.Task, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	var out []*types.Task
	for _, task := range tasks {
		if !task.AssignedTo(nodeID) {
			continue
		}
		switch {
		case task.Status == types.TaskStatusPending:
			out = append(out, task)
		case task.Status == types.TaskStatusRunning && task.Type.IsFanOut():
			out = append(out, task)
		}
	}
	return out, nil
}

// CheckAndCompleteFanOut finishes a Running fan-out task once every folder
// work item is terminal: Failed when any folder failed, Completed
// otherwise. The version CAS makes the transition exactly-once under
// concurrent checkers; losing a conflict means another caller already
// finished the task.
func (c *Coordinator) CheckAndCompleteFanOut(ctx context.Context, taskID uint64) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Type.IsFanOut() || task.Status != types.TaskStatusRunning {
		return nil
	}

	items, err := c.store.ListFolders(ctx, taskID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var failed []string
	for _, item := range items {
		switch item.Status {
		case types.FolderStatusFailed:
			failed = append(failed, item.FolderName)
		case types.FolderStatusCompleted:
		default:
			return nil // work remains
		}
	}

	oldStatus := task.Status
	now := c.now().UTC()
	newStatus := types.TaskStatusCompleted
	result := fmt.Sprintf("all %d folders completed", len(items))
	if len(failed) > 0 {
		newStatus = types.TaskStatusFailed
		result = fmt.Sprintf("%d of %d folders failed: %s",
			len(failed), len(items), strings.Join(failed, ", "))
	}
	task.Status = newStatus
	task.ResultMessage = result
	task.CompletedAt = &now

	updated, err := c.store.UpdateTask(ctx, task, task.Version)
	if err != nil {
		if _, conflict := storage.IsVersionConflict(err); conflict {
			return nil // another checker won
		}
		return err
	}

	c.logger.Info().Uint64("task_id", taskID).Str("status", string(newStatus)).Msg("fan-out task finished")
	c.publishStatusChange(updated, oldStatus, newStatus)
	return nil
}

// ReclaimNodeTasks reverts nodeID's Running single-assignee tasks to
// Pending with the assignment cleared, making them available for
// reassignment. Fan-out tasks stay Running for their remaining assignees;
// their folder items are reverted separately.
func (c *Coordinator) ReclaimNodeTasks(ctx context.Context, nodeID string) (int, error) {
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, task := range tasks {
		if task.Status != types.TaskStatusRunning || task.Type.IsFanOut() || task.AssignedNodeID != nodeID {
			continue
		}
		oldStatus := task.Status
		task.Status = types.TaskStatusPending
		task.AssignedNodeID = ""
		task.AssignedNodeIDs = removeString(task.AssignedNodeIDs, nodeID)
		task.StartedAt = nil

		updated, err := c.store.UpdateTask(ctx, task, task.Version)
		if err != nil {
			if _, conflict := storage.IsVersionConflict(err); conflict {
				continue // someone moved it first
			}
			return reclaimed, err
		}
		reclaimed++
		c.logger.Info().Uint64("task_id", task.ID).Str("node_id", nodeID).Msg("task reverted to pending")
		c.publishStatusChange(updated, oldStatus, types.TaskStatusPending)
	}
	return reclaimed, nil
}

func (c *Coordinator) publishStatusChange(task *types.Task, old, new types.TaskStatus) {
	c.broker.Publish(&events.Event{
		Type:   events.EventTaskStatusChanged,
		TaskID: task.ID,
		Data:   events.StatusChangeData(string(old), string(new), task.ResultMessage),
	})
}

// transitionAllowed encodes the task state machine. Terminal statuses admit
// nothing.
func transitionAllowed(from, to types.TaskStatus) bool {
	switch from {
	case types.TaskStatusPending:
		return to == types.TaskStatusRunning || to == types.TaskStatusCancelled
	case types.TaskStatusRunning:
		return to == types.TaskStatusCompleted ||
			to == types.TaskStatusFailed ||
			to == types.TaskStatusCancelled
	default:
		return false
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
