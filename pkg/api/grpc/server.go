package grpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes liveness over gRPC for orchestration probes.
type Server struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zap.Logger
}

// Config holds gRPC server configuration.
type Config struct {
	Port   int
	Logger *zap.Logger
}

// NewServer creates a new gRPC server with the standard health service
// registered.
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		server:   grpcServer,
		health:   healthServer,
		listener: listener,
		logger:   cfg.Logger,
	}, nil
}

// Start starts the gRPC server.
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server, flipping the health status to
// NOT_SERVING first so probes drain traffic.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	s.health.Shutdown()
	s.server.GracefulStop()

	s.logger.Info("gRPC server shut down complete")
	return nil
}
