package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mediaforge/foreman/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to a coordination server over its HTTP API. The zero value
// is not usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client

	nodeID string
	token  string
}

// Option configures the client.
type Option func(*Client)

// WithNodeID identifies every call as coming from the given worker node.
func WithNodeID(id string) Option {
	return func(c *Client) { c.nodeID = id }
}

// WithToken sends the bearer token on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at baseURL, e.g. "http://host:8420".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status        int    `json:"-"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfter    int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the server marked the failure as transient.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// RegisterNode announces the node and returns the stored record.
func (c *Client) RegisterNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPost, "/nodes/register", node, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the node's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(nodeID)+"/heartbeat", nil, nil)
}

// Disconnect gracefully removes the node from rotation.
func (c *Client) Disconnect(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(nodeID)+"/disconnect", nil, nil)
}

// ListNodes returns available nodes; all=true includes offline ones.
func (c *Client) ListNodes(ctx context.Context, all bool) ([]*types.Node, error) {
	path := "/nodes"
	if all {
		path = "/nodes/all"
	}
	var out []*types.Node
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTask submits a new task.
func (c *Client) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", task, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id uint64) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns every task.
func (c *Client) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var out []*types.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask removes a task and its folder items.
func (c *Client) DeleteTask(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil)
}

// Poll returns the tasks currently actionable by the node.
func (c *Client) Poll(ctx context.Context, nodeID string) ([]*types.Task, error) {
	var out []*types.Task
	path := "/tasks/poll?nodeId=" + url.QueryEscape(nodeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignTask adds the node to the task's assignee set.
func (c *Client) AssignTask(ctx context.Context, taskID uint64, nodeID string) error {
	path := fmt.Sprintf("/tasks/%d/assign/%s", taskID, url.PathEscape(nodeID))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// UpdateTaskStatus transitions the task, guarded by the caller's last seen
// version. A version conflict surfaces as an *APIError with code
// "version_conflict"; refetch and retry.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID uint64,
	status types.TaskStatus, resultMessage string, version uint64) (*types.Task, error) {

	body := map[string]interface{}{
		"status":         status,
		"result_message": resultMessage,
		"version":        version,
	}
	var out types.Task
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/status", taskID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProgressSummary is the rolled-up progress of a fan-out task.
type ProgressSummary struct {
	TaskID        uint64  `json:"task_id"`
	MeanProgress  float64 `json:"mean_progress"`
	TerminalRatio float64 `json:"terminal_ratio"`
}

// TaskProgress returns the aggregate folder progress for a task.
func (c *Client) TaskProgress(ctx context.Context, taskID uint64) (*ProgressSummary, error) {
	var out ProgressSummary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/progress", taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateFolders seeds the folder work items of a fan-out task.
func (c *Client) CreateFolders(ctx context.Context, taskID uint64, folderPaths []string) ([]*types.FolderWorkItem, error) {
	body := map[string]interface{}{"folder_paths": folderPaths}
	var out []*types.FolderWorkItem
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/folders", taskID), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFolders returns the folder work items of a task.
func (c *Client) ListFolders(ctx context.Context, taskID uint64) ([]*types.FolderWorkItem, error) {
	var out []*types.FolderWorkItem
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/folders", taskID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimFolder atomically claims the next pending folder of a task. A nil
// item with nil error means no work is left.
func (c *Client) ClaimFolder(ctx context.Context, taskID uint64, nodeID, nodeName string) (*types.FolderWorkItem, error) {
	body := map[string]string{"node_id": nodeID, "node_name": nodeName}
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/folders/claim", taskID), body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out types.FolderWorkItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// ReportFolder updates a folder work item's status and progress.
func (c *Client) ReportFolder(ctx context.Context, folderID uint64,
	status types.FolderStatus, progress float64, errorMessage, outputPath string) (*types.FolderWorkItem, error) {

	body := map[string]interface{}{
		"status":        status,
		"progress":      progress,
		"error_message": errorMessage,
		"output_path":   outputPath,
	}
	var out types.FolderWorkItem
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/folders/%d/status", folderID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LockResult is the outcome of an acquire attempt.
type LockResult struct {
	Acquired bool            `json:"acquired"`
	Lock     *types.FileLock `json:"lock,omitempty"`
}

// AcquireLock attempts to take the advisory lock on path for the node.
// Contention is reported through Acquired=false, not an error.
func (c *Client) AcquireLock(ctx context.Context, path, nodeID string) (*LockResult, error) {
	var out LockResult
	body := map[string]string{"path": path, "node_id": nodeID}
	if err := c.do(ctx, http.MethodPost, "/locks", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshLock extends a held lock's lease.
func (c *Client) RefreshLock(ctx context.Context, path, nodeID string) (bool, error) {
	var out struct {
		Refreshed bool `json:"refreshed"`
	}
	body := map[string]string{"path": path, "node_id": nodeID}
	if err := c.do(ctx, http.MethodPost, "/locks/refresh", body, &out); err != nil {
		return false, err
	}
	return out.Refreshed, nil
}

// ReleaseLock releases a held lock.
func (c *Client) ReleaseLock(ctx context.Context, path, nodeID string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	body := map[string]string{"path": path, "node_id": nodeID}
	if err := c.do(ctx, http.MethodDelete, "/locks", body, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// ListLocks returns all live locks.
func (c *Client) ListLocks(ctx context.Context) ([]*types.FileLock, error) {
	var out []*types.FileLock
	if err := c.do(ctx, http.MethodGet, "/locks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.nodeID != "" {
		req.Header.Set("X-Node-ID", c.nodeID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unknown"
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
