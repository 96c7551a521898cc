// Package api exposes the agent registry over HTTP and streams bus events
// over a WebSocket.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/registry"
	"github.com/kandev/acphost/internal/common/httpmw"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events/bus"
)

const serverName = "acphost"

// Server is the HTTP API server.
type Server struct {
	registry *registry.Registry
	bus      bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer creates the API server and registers its routes.
func NewServer(reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	log = logger.Or(log)

	s := &Server{
		registry: reg,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery(), httpmw.OtelTracing(serverName), httpmw.RequestLogger(log, serverName))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/agents", s.handleListAgents)
		api.GET("/events", s.handleEventsWS)

		agent := api.Group("/agents/:id")
		agent.POST("/connect", s.handleConnect)
		agent.POST("/prompt", s.handlePrompt)
		agent.POST("/cancel", s.handleCancel)
		agent.POST("/mode", s.handleSetMode)
		agent.GET("/models", s.handleListModels)
		agent.POST("/model", s.handleSelectModel)
		agent.POST("/authenticate", s.handleAuthenticate)
		agent.GET("/permissions", s.handlePendingPermissions)
		agent.POST("/permissions/:requestId", s.handleRespondPermission)
		agent.GET("/session", s.handleSession)
		agent.GET("/thread", s.handleThread)
		agent.GET("/modes", s.handleModes)
		agent.DELETE("", s.handleDispose)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
