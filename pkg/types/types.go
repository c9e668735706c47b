package types

import (
	"time"
)

// Node represents a worker machine registered with the dispatch server
type Node struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	IPAddress           string    `json:"ip_address"`
	HardwareFingerprint string    `json:"hardware_fingerprint"`
	IsAvailable         bool      `json:"is_available"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	CreatedAt           time.Time `json:"created_at"`
}

// MaxNodeIDLength is the maximum length of a client-assigned node ID
const MaxNodeIDLength = 50

// TaskType defines the kind of batch work a task carries
type TaskType string

const (
	TaskTypeTestMessage       TaskType = "TestMessage"
	TaskTypeFileProcessing    TaskType = "FileProcessing"
	TaskTypeRenderThumbnails  TaskType = "RenderThumbnails"
	TaskTypeRealityCapture    TaskType = "RealityCapture"
	TaskTypePackageTask       TaskType = "PackageTask"
	TaskTypeVolumeCompression TaskType = "VolumeCompression"
)

// IsFanOut reports whether tasks of this type are partitioned into folder
// work items processable by multiple nodes in parallel.
func (t TaskType) IsFanOut() bool {
	return t == TaskTypeVolumeCompression
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeTestMessage, TaskTypeFileProcessing, TaskTypeRenderThumbnails,
		TaskTypeRealityCapture, TaskTypePackageTask, TaskTypeVolumeCompression:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "Pending"
	TaskStatusRunning   TaskStatus = "Running"
	TaskStatusCompleted TaskStatus = "Completed"
	TaskStatusFailed    TaskStatus = "Failed"
	TaskStatusCancelled TaskStatus = "Cancelled"
)

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// MaxResultMessageLength caps the stored result message of a task
const MaxResultMessageLength = 2000

// Task represents a unit of batch work with a lifecycle
type Task struct {
	ID     uint64     `json:"id"`
	Name   string     `json:"name"`
	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`

	// AssignedNodeID is the primary assignee, kept for single-node tasks
	// and older workers. For fan-out types AssignedNodeIDs is authoritative
	// and AssignedNodeID holds one of its members.
	AssignedNodeID  string   `json:"assigned_node_id,omitempty"`
	AssignedNodeIDs []string `json:"assigned_node_ids,omitempty"`

	Parameters    map[string]string `json:"parameters,omitempty"`
	ResultMessage string            `json:"result_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency token. The server owns version
	// generation; callers send back the value they last read.
	Version uint64 `json:"version"`
}

// AssignedTo reports whether nodeID is among the task's assignees.
func (t *Task) AssignedTo(nodeID string) bool {
	if t.AssignedNodeID == nodeID {
		return true
	}
	for _, id := range t.AssignedNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// FolderStatus represents the state of a folder work item
type FolderStatus string

const (
	FolderStatusPending    FolderStatus = "Pending"
	FolderStatusInProgress FolderStatus = "InProgress"
	FolderStatusCompleted  FolderStatus = "Completed"
	FolderStatusFailed     FolderStatus = "Failed"
)

// Terminal reports whether s is a terminal folder status.
func (s FolderStatus) Terminal() bool {
	return s == FolderStatusCompleted || s == FolderStatusFailed
}

// Valid reports whether s is a known folder status.
func (s FolderStatus) Valid() bool {
	switch s {
	case FolderStatusPending, FolderStatusInProgress,
		FolderStatusCompleted, FolderStatusFailed:
		return true
	}
	return false
}

// FolderWorkItem is one claimable unit of a fan-out task
type FolderWorkItem struct {
	ID               uint64       `json:"id"`
	TaskID           uint64       `json:"task_id"`
	FolderPath       string       `json:"folder_path"`
	FolderName       string       `json:"folder_name"`
	Status           FolderStatus `json:"status"`
	AssignedNodeID   string       `json:"assigned_node_id,omitempty"`
	AssignedNodeName string       `json:"assigned_node_name,omitempty"`
	Progress         float64      `json:"progress"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	OutputPath       string       `json:"output_path,omitempty"`
}

// FileLock is an advisory mutual-exclusion record keyed by normalized path.
// CreatedAt is the first acquire; LastUpdatedAt moves on every refresh and
// drives expiry.
type FileLock struct {
	ID             string    `json:"id"`
	NormalizedPath string    `json:"normalized_path"`
	HolderNodeID   string    `json:"holder_node_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// Expired reports whether the lock is reclaimable at now given ttl.
func (l *FileLock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LastUpdatedAt) > ttl
}
