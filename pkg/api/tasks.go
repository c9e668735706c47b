package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/types"
)

func taskID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", c.Param("id"), errdefs.ErrInvalidArgument)
	}
	return id, nil
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	task, err := s.coordinator.Create(c.Request.Context(), &types.Task{
		Name:            req.Name,
		Type:            req.Type,
		AssignedNodeID:  req.AssignedNodeID,
		AssignedNodeIDs: req.AssignedNodeIDs,
		Parameters:      req.Parameters,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.coordinator.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	task, err := s.coordinator.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.coordinator.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var req updateTaskStatusRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	task, err := s.coordinator.UpdateStatus(c.Request.Context(),
		id, req.Status, req.ResultMessage, req.Version, CallerNodeID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) assignTask(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.coordinator.Assign(c.Request.Context(), id, c.Param("nodeId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pollTasks(c *gin.Context) {
	nodeID := c.Query("nodeId")
	tasks, err := s.coordinator.PollForNode(c.Request.Context(), nodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) taskProgress(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	mean, terminalRatio, err := s.tracker.Progress(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":        id,
		"mean_progress":  mean,
		"terminal_ratio": terminalRatio,
	})
}
