package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mediaforge/foreman/pkg/config"
	"github.com/mediaforge/foreman/pkg/coordinator"
	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/folders"
	"github.com/mediaforge/foreman/pkg/locks"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/metrics"
	"github.com/mediaforge/foreman/pkg/registry"
)

// Server is the HTTP adapter over the coordination services. It owns no
// domain state; every handler delegates to a service and translates the
// result onto the wire.
type Server struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	tracker     *folders.Tracker
	locks       *locks.Manager
	broker      *events.Broker

	allowedOrigins []string
	tlsCert        string
	tlsKey         string

	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires the routes and middleware chain.
func NewServer(cfg *config.Config, reg *registry.Registry, coord *coordinator.Coordinator,
	tracker *folders.Tracker, lockMgr *locks.Manager, broker *events.Broker) *Server {

	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		registry:       reg,
		coordinator:    coord,
		tracker:        tracker,
		locks:          lockMgr,
		broker:         broker,
		allowedOrigins: cfg.AllowedOrigins,
		tlsCert:        cfg.TLSCert,
		tlsKey:         cfg.TLSKey,
		logger:         log.WithComponent("api"),
	}

	engine := gin.New()
	engine.Use(
		recoveryMiddleware(),
		correlationMiddleware(),
		loggingMiddleware(),
		metricsMiddleware(),
		corsMiddleware(cfg.AllowedOrigins),
		rateLimitMiddleware(100, 200),
	)

	// Liveness and metrics stay reachable without credentials.
	engine.GET("/health", s.health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := engine.Group("/", authMiddleware(cfg.AuthMode, cfg.TokenSecret))

	authed.POST("/nodes/register", s.registerNode)
	authed.POST("/nodes/:id/heartbeat", s.heartbeat)
	authed.POST("/nodes/:id/disconnect", s.disconnectNode)
	authed.GET("/nodes", s.listAvailableNodes)
	authed.GET("/nodes/all", s.listAllNodes)

	authed.POST("/tasks", s.createTask)
	authed.GET("/tasks", s.listTasks)
	authed.GET("/tasks/poll", s.pollTasks)
	authed.GET("/tasks/:id", s.getTask)
	authed.DELETE("/tasks/:id", s.deleteTask)
	authed.PUT("/tasks/:id/status", s.updateTaskStatus)
	authed.PUT("/tasks/:id/assign/:nodeId", s.assignTask)
	authed.GET("/tasks/:id/progress", s.taskProgress)

	authed.GET("/tasks/:id/folders", s.listFolders)
	authed.POST("/tasks/:id/folders", s.createFolders)
	authed.POST("/tasks/:id/folders/claim", s.claimFolder)
	authed.PUT("/folders/:id/status", s.reportFolder)

	authed.POST("/locks", s.acquireLock)
	authed.POST("/locks/refresh", s.refreshLock)
	authed.DELETE("/locks", s.releaseLock)
	authed.GET("/locks", s.listLocks)
	authed.DELETE("/locks/all", s.resetLocks)

	authed.GET("/events/subscribe", s.subscribeEvents)

	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	if s.tlsCert != "" {
		s.logger.Info().Str("address", s.httpServer.Addr).Msg("API server listening (TLS)")
		if err := s.httpServer.ListenAndServeTLS(s.tlsCert, s.tlsKey); err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// bindJSON decodes the request body, mapping malformed payloads onto the
// validation error class.
func bindJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}
