package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/types"
)

func (s *Server) registerNode(c *gin.Context) {
	var req registerNodeRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	ip := req.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}
	node, err := s.registry.Register(c.Request.Context(), &types.Node{
		ID:                  req.ID,
		Name:                req.Name,
		IPAddress:           ip,
		HardwareFingerprint: req.HardwareFingerprint,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) heartbeat(c *gin.Context) {
	if err := s.registry.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAvailableNodes(c *gin.Context) {
	nodes, err := s.registry.ListAvailable(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodeList(nodes))
}

func (s *Server) listAllNodes(c *gin.Context) {
	nodes, err := s.registry.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodeList(nodes))
}

func (s *Server) disconnectNode(c *gin.Context) {
	if err := s.registry.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// nodeList keeps empty results as [] rather than null on the wire.
func nodeList(nodes []*types.Node) []*types.Node {
	if nodes == nil {
		return []*types.Node{}
	}
	return nodes
}
