package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/syncpad/syncpad/internal/app"
	iauth "github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/cache"
	"github.com/syncpad/syncpad/internal/handlers"
	"github.com/syncpad/syncpad/internal/middleware"
	"github.com/syncpad/syncpad/internal/monitoring"
	"github.com/syncpad/syncpad/internal/realtime"
	"github.com/syncpad/syncpad/internal/services"
)

// Deps collects the wired service graph the router exposes over HTTP.
type Deps struct {
	Config        *app.Config
	Authenticator iauth.Authenticator
	Store         cache.Store
	Hub           *realtime.Hub
	Router        *services.BroadcastRouter
	Registry      *services.ParticipantRegistry
	Cursors       *services.CursorTracker
	Events        *services.EventLogService
	Lifecycle     *services.SessionLifecycleService
	Sequencer     *services.OperationSequencer
	Resolver      *services.ConflictResolver
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("authenticator must be provided")
	}
	if deps.Lifecycle == nil || deps.Sequencer == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("collaboration services must be provided")
	}
	if deps.Registry == nil || deps.Cursors == nil || deps.Events == nil {
		return nil, fmt.Errorf("collaboration services must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	if deps.Config.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(
			deps.Store,
			deps.Config.Server.RateLimit.MaxRequests,
			deps.Config.Server.RateLimit.Window,
		))
	}
	r.NoRoute(middleware.NotFoundHandler)

	if deps.Config.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health())
	}
	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, func(c *gin.Context) {
			monitoring.CurrentModule().Handler().ServeHTTP(c.Writer, c.Request)
		})
	}

	requireAuth := middleware.Auth(deps.Authenticator)

	sessionHandler := handlers.NewCollabSessionHandler(
		deps.Lifecycle, deps.Sequencer, deps.Resolver, deps.Cursors, deps.Events, deps.Registry,
	)
	streamHandler := handlers.NewCollabStreamHandler(
		deps.Hub, deps.Router,
		deps.Lifecycle, deps.Sequencer, deps.Resolver, deps.Cursors, deps.Events, deps.Registry,
	)

	api := r.Group("/api")
	api.Use(requireAuth)

	sessions := api.Group("/sessions")
	{
		sessions.POST("", sessionHandler.CreateSession)
		sessions.POST("/:token/join", sessionHandler.Join)
		sessions.POST("/:token/leave", sessionHandler.Leave)
		sessions.POST("/:token/control", sessionHandler.Control)
		sessions.POST("/:token/operations", sessionHandler.SubmitOperation)
		sessions.GET("/:token/operations", sessionHandler.ListOperations)
		sessions.POST("/:token/comments", sessionHandler.AddComment)
		sessions.POST("/:token/heartbeat", sessionHandler.Heartbeat)
		sessions.GET("/:token/snapshot", sessionHandler.Snapshot)
		sessions.GET("/:token/metrics", sessionHandler.Metrics)
	}

	api.POST("/operations/:operationID/resolve", sessionHandler.ResolveConflict)

	ws := r.Group("/ws")
	ws.Use(requireAuth)
	ws.GET("/sessions/:token", streamHandler.Stream)

	return r, nil
}
