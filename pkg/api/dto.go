package api

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/mediaforge/foreman/pkg/types"
)

// Request DTOs. Each carries its own validation returning typed errors; the
// handlers never inspect raw maps.

type registerNodeRequest struct {
	ID                  string `json:"id" binding:"required"`
	Name                string `json:"name"`
	IPAddress           string `json:"ip_address"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
}

func (r *registerNodeRequest) validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required: %w", errdefs.ErrInvalidArgument)
	}
	if len(r.ID) > types.MaxNodeIDLength {
		return fmt.Errorf("id exceeds %d characters: %w", types.MaxNodeIDLength, errdefs.ErrInvalidArgument)
	}
	return nil
}

type createTaskRequest struct {
	Name            string            `json:"name" binding:"required"`
	Type            types.TaskType    `json:"type" binding:"required"`
	AssignedNodeID  string            `json:"assigned_node_id"`
	AssignedNodeIDs []string          `json:"assigned_node_ids"`
	Parameters      map[string]string `json:"parameters"`
}

func (r *createTaskRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", errdefs.ErrInvalidArgument)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown task type %q: %w", r.Type, errdefs.ErrInvalidArgument)
	}
	return nil
}

type updateTaskStatusRequest struct {
	Status        types.TaskStatus `json:"status" binding:"required"`
	ResultMessage string           `json:"result_message"`
	Version       uint64           `json:"version"`
}

func (r *updateTaskStatusRequest) validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q: %w", r.Status, errdefs.ErrInvalidArgument)
	}
	if len(r.ResultMessage) > types.MaxResultMessageLength {
		return fmt.Errorf("result_message exceeds %d characters: %w",
			types.MaxResultMessageLength, errdefs.ErrInvalidArgument)
	}
	return nil
}

type createFoldersRequest struct {
	FolderPaths []string `json:"folder_paths" binding:"required"`
}

func (r *createFoldersRequest) validate() error {
	if len(r.FolderPaths) == 0 {
		return fmt.Errorf("folder_paths is required: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

type claimFolderRequest struct {
	NodeID   string `json:"node_id" binding:"required"`
	NodeName string `json:"node_name"`
}

type reportFolderRequest struct {
	Status       types.FolderStatus `json:"status" binding:"required"`
	Progress     float64            `json:"progress"`
	ErrorMessage string             `json:"error_message"`
	OutputPath   string             `json:"output_path"`
}

func (r *reportFolderRequest) validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown folder status %q: %w", r.Status, errdefs.ErrInvalidArgument)
	}
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("progress out of range [0,100]: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

type lockRequest struct {
	Path   string `json:"path" binding:"required"`
	NodeID string `json:"node_id" binding:"required"`
}

func (r *lockRequest) validate() error {
	if r.Path == "" || r.NodeID == "" {
		return fmt.Errorf("path and node_id are required: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
