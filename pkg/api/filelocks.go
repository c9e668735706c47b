package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/types"
)

func (s *Server) acquireLock(c *gin.Context) {
	var req lockRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	acquired, lock, err := s.locks.TryAcquire(c.Request.Context(), req.Path, req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"acquired": acquired}
	if acquired {
		resp["lock"] = lock
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) refreshLock(c *gin.Context) {
	var req lockRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	refreshed, err := s.locks.Refresh(c.Request.Context(), req.Path, req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

func (s *Server) releaseLock(c *gin.Context) {
	var req lockRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	released, err := s.locks.Release(c.Request.Context(), req.Path, req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (s *Server) listLocks(c *gin.Context) {
	lockRows, err := s.locks.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if lockRows == nil {
		lockRows = []*types.FileLock{}
	}
	c.JSON(http.StatusOK, lockRows)
}

func (s *Server) resetLocks(c *gin.Context) {
	if err := s.locks.ResetAll(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
