package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/types"
)

func (s *Server) listFolders(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	items, err := s.tracker.List(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*types.FolderWorkItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) createFolders(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var req createFoldersRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}
	items, err := s.tracker.CreateOrReplace(c.Request.Context(), id, req.FolderPaths)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, items)
}

func (s *Server) claimFolder(c *gin.Context) {
	id, err := taskID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var req claimFolderRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	item, err := s.tracker.ClaimNext(c.Request.Context(), id, req.NodeID, req.NodeName)
	if err != nil {
		if errors.Is(err, storage.ErrNoWork) {
			// Nothing left to claim is a normal outcome, not a failure.
			c.Status(http.StatusNoContent)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) reportFolder(c *gin.Context) {
	folderID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, fmt.Errorf("invalid folder id %q: %w", c.Param("id"), errdefs.ErrInvalidArgument))
		return
	}
	var req reportFolderRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	item, err := s.tracker.Report(c.Request.Context(),
		folderID, req.Status, req.Progress, req.ErrorMessage, req.OutputPath)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
