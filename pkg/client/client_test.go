package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/foreman/pkg/api"
	"github.com/mediaforge/foreman/pkg/config"
	"github.com/mediaforge/foreman/pkg/coordinator"
	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/folders"
	"github.com/mediaforge/foreman/pkg/locks"
	"github.com/mediaforge/foreman/pkg/registry"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

func newTestBackend(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "foreman.db")

	store, err := storage.NewBoltStore(cfg.DBPath, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	coord := coordinator.NewCoordinator(store, broker)
	lockMgr := locks.NewManager(store, cfg.LockTTL)
	tracker := folders.NewTracker(store, coord, broker)
	reg := registry.NewRegistry(store, lockMgr, coord, broker, cfg.HeartbeatTimeout)

	server := api.NewServer(cfg, reg, coord, tracker, lockMgr, broker)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// TestClientWorkerFlow tests the register/create/assign/poll/complete cycle
func TestClientWorkerFlow(t *testing.T) {
	ts := newTestBackend(t)
	c := New(ts.URL, WithNodeID("node-1"))
	ctx := context.Background()

	node, err := c.RegisterNode(ctx, &types.Node{ID: "node-1", Name: "render-01"})
	require.NoError(t, err)
	assert.True(t, node.IsAvailable)
	require.NoError(t, c.Heartbeat(ctx, "node-1"))

	admin := New(ts.URL)
	task, err := admin.CreateTask(ctx, &types.Task{
		Name: "process", Type: types.TaskTypeFileProcessing,
	})
	require.NoError(t, err)
	require.NoError(t, admin.AssignTask(ctx, task.ID, "node-1"))

	polled, err := c.Poll(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, polled, 1)

	running, err := c.UpdateTaskStatus(ctx, task.ID, types.TaskStatusRunning, "", polled[0].Version)
	require.NoError(t, err)
	done, err := c.UpdateTaskStatus(ctx, task.ID, types.TaskStatusCompleted, "all files done", running.Version)
	require.NoError(t, err)
	assert.Equal(t, "all files done", done.ResultMessage)
}

// TestClientVersionConflictError tests the decoded APIError on stale writes
func TestClientVersionConflictError(t *testing.T) {
	ts := newTestBackend(t)
	c := New(ts.URL)
	ctx := context.Background()

	task, err := c.CreateTask(ctx, &types.Task{Name: "t", Type: types.TaskTypeFileProcessing})
	require.NoError(t, err)
	_, err = c.UpdateTaskStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version)
	require.NoError(t, err)

	_, err = c.UpdateTaskStatus(ctx, task.ID, types.TaskStatusCancelled, "", task.Version)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.Equal(t, "version_conflict", apiErr.Code)
	assert.False(t, apiErr.Retryable())
}

// TestClientClaimFolderExhaustion tests the nil-on-no-work contract
func TestClientClaimFolderExhaustion(t *testing.T) {
	ts := newTestBackend(t)
	c := New(ts.URL)
	ctx := context.Background()

	task, err := c.CreateTask(ctx, &types.Task{
		Name: "compress", Type: types.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{"node-1"},
	})
	require.NoError(t, err)
	_, err = c.UpdateTaskStatus(ctx, task.ID, types.TaskStatusRunning, "", task.Version)
	require.NoError(t, err)
	_, err = c.CreateFolders(ctx, task.ID, []string{"/mnt/a"})
	require.NoError(t, err)

	item, err := c.ClaimFolder(ctx, task.ID, "node-1", "render-01")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, types.FolderStatusInProgress, item.Status)

	item, err = c.ClaimFolder(ctx, task.ID, "node-1", "render-01")
	require.NoError(t, err)
	assert.Nil(t, item)
}

// TestClientLockContention tests the acquired flag on contended locks
func TestClientLockContention(t *testing.T) {
	ts := newTestBackend(t)
	c := New(ts.URL)
	ctx := context.Background()

	result, err := c.AcquireLock(ctx, "/mnt/a/clip.mov", "node-1")
	require.NoError(t, err)
	require.True(t, result.Acquired)

	result, err = c.AcquireLock(ctx, "/mnt/a/clip.mov", "node-2")
	require.NoError(t, err)
	assert.False(t, result.Acquired)
	assert.Nil(t, result.Lock)

	released, err := c.ReleaseLock(ctx, "/mnt/a/clip.mov", "node-1")
	require.NoError(t, err)
	assert.True(t, released)
}
