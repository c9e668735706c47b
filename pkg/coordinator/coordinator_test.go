package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containerd/errdefs"

	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "foreman.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewCoordinator(store, broker), store
}

func mustCreate(t *testing.T, c *Coordinator, task *types.Task) *types.Task {
	t.Helper()
	created, err := c.Create(context.Background(), task)
	require.NoError(t, err)
	return created
}

// TestCreateValidation tests task creation input checks
func TestCreateValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Create(ctx, &types.Task{Type: types.TaskTypeFileProcessing})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = c.Create(ctx, &types.Task{Name: "x", Type: "Bogus"})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

// TestCreateForcesPendingAndPrimary tests server-side normalization on create
func TestCreateForcesPendingAndPrimary(t *testing.T) {
	c, _ := newTestCoordinator(t)

	task := mustCreate(t, c, &types.Task{
		Name:            "compress",
		Type:            types.TaskTypeVolumeCompression,
		Status:          types.TaskStatusRunning, // ignored
		AssignedNodeIDs: []string{"node-1", "node-2"},
		ResultMessage:   "stale", // ignored
	})

	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, "node-1", task.AssignedNodeID)
	assert.Empty(t, task.ResultMessage)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, uint64(1), task.Version)
}

// TestAssignIsIdempotent tests repeated assignment of the same node
func TestAssignIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{Name: "t", Type: types.TaskTypeVolumeCompression})

	first, err := c.Assign(ctx, task.ID, "node-1")
	require.NoError(t, err)
	again, err := c.Assign(ctx, task.ID, "node-1")
	require.NoError(t, err)

	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, []string{"node-1"}, again.AssignedNodeIDs)
	assert.Equal(t, "node-1", again.AssignedNodeID)

	multi, err := c.Assign(ctx, task.ID, "node-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1", "node-2"}, multi.AssignedNodeIDs)
	assert.Equal(t, "node-1", multi.AssignedNodeID)
}

// TestUpdateStatusStateMachine tests legal and illegal transitions
func TestUpdateStatusStateMachine(t *testing.T) {
	tests := []struct {
		name    string
		path    []types.TaskStatus
		attempt types.TaskStatus
		allowed bool
	}{
		{"pending to running", nil, types.TaskStatusRunning, true},
		{"pending to cancelled", nil, types.TaskStatusCancelled, true},
		{"pending to completed", nil, types.TaskStatusCompleted, false},
		{"running to completed", []types.TaskStatus{types.TaskStatusRunning}, types.TaskStatusCompleted, true},
		{"running to failed", []types.TaskStatus{types.TaskStatusRunning}, types.TaskStatusFailed, true},
		{"running to pending", []types.TaskStatus{types.TaskStatusRunning}, types.TaskStatusPending, false},
		{"completed admits nothing", []types.TaskStatus{types.TaskStatusRunning, types.TaskStatusCompleted}, types.TaskStatusRunning, false},
		{"cancelled admits nothing", []types.TaskStatus{types.TaskStatusCancelled}, types.TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t)
			ctx := context.Background()

			task := mustCreate(t, c, &types.Task{Name: "t", Type: types.TaskTypeFileProcessing})
			for _, status := range tt.path {
				var err error
				task, err = c.UpdateStatus(ctx, task.ID, status, "", task.Version, "")
				require.NoError(t, err)
			}

			_, err := c.UpdateStatus(ctx, task.ID, tt.attempt, "", task.Version, "")
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsFailedPrecondition(err), "got %v", err)
			}
		})
	}
}

// TestUpdateStatusStampsTimes tests StartedAt/CompletedAt management
func TestUpdateStatusStampsTimes(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{Name: "t", Type: types.TaskTypeFileProcessing})

	running, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "")
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusCompleted, "ok", running.Version, "")
	require.NoError(t, err)
	assert.Equal(t, running.StartedAt, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "ok", done.ResultMessage)
}

// TestUpdateStatusVersionConflict tests the stale-version path
func TestUpdateStatusVersionConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{Name: "t", Type: types.TaskTypeFileProcessing})
	_, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "")
	require.NoError(t, err)

	// A second writer still holding version 1 must be rejected with the
	// current row attached.
	_, err = c.UpdateStatus(ctx, task.ID, types.TaskStatusCancelled, "", task.Version, "")
	vc, ok := storage.IsVersionConflict(err)
	require.True(t, ok)
	assert.Equal(t, types.TaskStatusRunning, vc.Current.Status)
	assert.Equal(t, uint64(2), vc.Current.Version)
}

// TestUpdateStatusForbiddenForStrangers tests assignee-only status writes
func TestUpdateStatusForbiddenForStrangers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{
		Name:            "t",
		Type:            types.TaskTypeFileProcessing,
		AssignedNodeIDs: []string{"node-1"},
	})

	_, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "node-2")
	assert.True(t, errdefs.IsPermissionDenied(err))

	// The assignee and an admin caller (empty id) both pass.
	updated, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "node-1")
	require.NoError(t, err)
	_, err = c.UpdateStatus(ctx, task.ID, types.TaskStatusCompleted, "", updated.Version, "")
	assert.NoError(t, err)
}

// TestUpdateStatusMessageLimit tests the result message cap
func TestUpdateStatusMessageLimit(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{Name: "t", Type: types.TaskTypeFileProcessing})

	long := make([]byte, types.MaxResultMessageLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, string(long), task.Version, "")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

// TestPollForNode tests the actionable-task filter
func TestPollForNode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	pending := mustCreate(t, c, &types.Task{
		Name: "mine-pending", Type: types.TaskTypeFileProcessing,
		AssignedNodeIDs: []string{"node-1"},
	})
	mustCreate(t, c, &types.Task{
		Name: "someone-elses", Type: types.TaskTypeFileProcessing,
		AssignedNodeIDs: []string{"node-2"},
	})
	runningSingle := mustCreate(t, c, &types.Task{
		Name: "mine-running-single", Type: types.TaskTypeFileProcessing,
		AssignedNodeIDs: []string{"node-1"},
	})
	_, err := c.UpdateStatus(ctx, runningSingle.ID, types.TaskStatusRunning, "", runningSingle.Version, "")
	require.NoError(t, err)
	runningFanOut := mustCreate(t, c, &types.Task{
		Name: "mine-running-fanout", Type: types.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{"node-1", "node-2"},
	})
	_, err = c.UpdateStatus(ctx, runningFanOut.ID, types.TaskStatusRunning, "", runningFanOut.Version, "")
	require.NoError(t, err)

	tasks, err := c.PollForNode(ctx, "node-1")
	require.NoError(t, err)

	ids := map[uint64]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	assert.True(t, ids[pending.ID], "pending assignment should be polled")
	assert.True(t, ids[runningFanOut.ID], "running fan-out should be polled")
	assert.False(t, ids[runningSingle.ID], "running single-assignee task should not reappear")
	assert.Len(t, tasks, 2)
}

// TestCheckAndCompleteFanOut tests aggregate completion of fan-out tasks
func TestCheckAndCompleteFanOut(t *testing.T) {
	tests := []struct {
		name           string
		folderStatuses []types.FolderStatus
		expectStatus   types.TaskStatus
		expectDone     bool
	}{
		{
			name:           "all completed",
			folderStatuses: []types.FolderStatus{types.FolderStatusCompleted, types.FolderStatusCompleted},
			expectStatus:   types.TaskStatusCompleted,
			expectDone:     true,
		},
		{
			name:           "one failed",
			folderStatuses: []types.FolderStatus{types.FolderStatusCompleted, types.FolderStatusFailed},
			expectStatus:   types.TaskStatusFailed,
			expectDone:     true,
		},
		{
			name:           "work remains",
			folderStatuses: []types.FolderStatus{types.FolderStatusCompleted, types.FolderStatusInProgress},
			expectStatus:   types.TaskStatusRunning,
			expectDone:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestCoordinator(t)
			ctx := context.Background()

			task := mustCreate(t, c, &types.Task{
				Name: "fanout", Type: types.TaskTypeVolumeCompression,
				AssignedNodeIDs: []string{"node-1"},
			})
			_, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "")
			require.NoError(t, err)

			var seed []*types.FolderWorkItem
			for i := range tt.folderStatuses {
				seed = append(seed, &types.FolderWorkItem{
					TaskID:     task.ID,
					FolderPath: "/mnt/" + string(rune('a'+i)),
					FolderName: string(rune('a' + i)),
				})
			}
			items, err := store.ReplaceFolders(ctx, task.ID, seed)
			require.NoError(t, err)
			for i, item := range items {
				item.Status = tt.folderStatuses[i]
				require.NoError(t, store.UpdateFolder(ctx, item))
			}

			require.NoError(t, c.CheckAndCompleteFanOut(ctx, task.ID))

			got, err := store.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expectStatus, got.Status)
			if tt.expectDone {
				assert.NotNil(t, got.CompletedAt)
				assert.NotEmpty(t, got.ResultMessage)
			}
		})
	}
}

// TestCheckAndCompleteFanOutFailureMessage tests the aggregate error text
func TestCheckAndCompleteFanOutFailureMessage(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	task := mustCreate(t, c, &types.Task{
		Name: "fanout", Type: types.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{"node-1"},
	})
	_, err := c.UpdateStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version, "")
	require.NoError(t, err)

	items, err := store.ReplaceFolders(ctx, task.ID, []*types.FolderWorkItem{
		{TaskID: task.ID, FolderPath: "/mnt/alpha", FolderName: "alpha"},
		{TaskID: task.ID, FolderPath: "/mnt/beta", FolderName: "beta"},
		{TaskID: task.ID, FolderPath: "/mnt/gamma", FolderName: "gamma"},
	})
	require.NoError(t, err)
	statuses := []types.FolderStatus{
		types.FolderStatusFailed, types.FolderStatusCompleted, types.FolderStatusFailed,
	}
	for i, item := range items {
		item.Status = statuses[i]
		require.NoError(t, store.UpdateFolder(ctx, item))
	}

	require.NoError(t, c.CheckAndCompleteFanOut(ctx, task.ID))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ResultMessage, "2 of 3 folders failed")
	assert.Contains(t, got.ResultMessage, "alpha")
	assert.Contains(t, got.ResultMessage, "gamma")
}

// TestCheckAndCompleteFanOutIgnoresOthers tests the guard clauses
func TestCheckAndCompleteFanOutIgnoresOthers(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	// Non-fan-out task: no-op even with no folder rows.
	single := mustCreate(t, c, &types.Task{Name: "s", Type: types.TaskTypeFileProcessing})
	require.NoError(t, c.CheckAndCompleteFanOut(ctx, single.ID))
	got, err := store.GetTask(ctx, single.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)

	// Fan-out task still Pending: untouched.
	fanout := mustCreate(t, c, &types.Task{Name: "f", Type: types.TaskTypeVolumeCompression})
	require.NoError(t, c.CheckAndCompleteFanOut(ctx, fanout.ID))
	got, err = store.GetTask(ctx, fanout.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
}

// TestReclaimNodeTasks tests reverting a lost node's running work
func TestReclaimNodeTasks(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	running := mustCreate(t, c, &types.Task{
		Name: "single", Type: types.TaskTypeFileProcessing,
		AssignedNodeIDs: []string{"node-1"},
	})
	_, err := c.UpdateStatus(ctx, running.ID, types.TaskStatusRunning, "", running.Version, "")
	require.NoError(t, err)

	fanout := mustCreate(t, c, &types.Task{
		Name: "fanout", Type: types.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{"node-1", "node-2"},
	})
	_, err = c.UpdateStatus(ctx, fanout.ID, types.TaskStatusRunning, "", fanout.Version, "")
	require.NoError(t, err)

	n, err := c.ReclaimNodeTasks(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedNodeID)
	assert.Empty(t, got.AssignedNodeIDs)
	assert.Nil(t, got.StartedAt)

	// The fan-out task keeps running for its remaining assignee.
	got, err = store.GetTask(ctx, fanout.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
}
