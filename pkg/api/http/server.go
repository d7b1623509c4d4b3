package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/examhive/examhive/internal/application/realtime"
	"github.com/examhive/examhive/internal/application/workers"
	"github.com/examhive/examhive/pkg/ports"
)

// Server represents the HTTP API server.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	bus      ports.EventBus
	pool     *workers.Pool
	registry *realtime.Registry
	logger   *zap.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Port     int
	Bus      ports.EventBus
	Pool     *workers.Pool
	Registry *realtime.Registry
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:   router,
		bus:      cfg.Bus,
		pool:     cfg.Pool,
		registry: cfg.Registry,
		logger:   cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Task endpoints
		v1.POST("/tasks", s.handleSubmitTask)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.DELETE("/tasks/:id", s.handleCancelTask)
		v1.GET("/tasks/failed", s.handleListFailed)

		// Event stream endpoints
		v1.GET("/events/:type/info", s.handleStreamInfo)
		v1.GET("/events/:type/pending", s.handlePendingMessages)
		v1.GET("/events/:type/replay", s.handleReplay)
		v1.GET("/deadletter", s.handleDeadLetters)

		// Stats endpoints
		v1.GET("/stats/queue", s.handleQueueStats)
		v1.GET("/stats/connections", s.handleConnectionStats)
	}
}

// SetupWebSocket adds the WebSocket handler to the server.
func (s *Server) SetupWebSocket(handler interface{ HandleStream(*gin.Context) }) {
	s.router.GET("/api/v1/ws", handler.HandleStream)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
