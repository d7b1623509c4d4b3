package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/examhive/examhive/internal/application/janitor"
	"github.com/examhive/examhive/internal/application/realtime"
	"github.com/examhive/examhive/internal/application/workers"
	"github.com/examhive/examhive/internal/config"
	busredis "github.com/examhive/examhive/pkg/adapters/bus/redis"
	"github.com/examhive/examhive/pkg/adapters/metrics/prometheus"
	queueredis "github.com/examhive/examhive/pkg/adapters/queue/redis"
	"github.com/examhive/examhive/pkg/api/grpc"
	"github.com/examhive/examhive/pkg/api/http"
	"github.com/examhive/examhive/pkg/api/websocket"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting ExamHive core",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	metricsCollector := prometheus.NewCollector()

	// Initialize adapters
	eventBus := busredis.NewStreamsBus(redisClient, busredis.Options{
		ConsumerGroup: cfg.Bus.ConsumerGroup,
		MaxRetries:    cfg.Bus.MaxRetries,
		ReadBlock:     cfg.Bus.ReadBlock,
		ReadCount:     cfg.Bus.ReadCount,
		ErrorBackoff:  cfg.Bus.ErrorBackoff,
	}, metricsCollector, logger)

	taskStore := queueredis.NewTaskStore(redisClient, cfg.Queue.ResultTTL, logger)

	if err := eventBus.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize event bus", zap.Error(err))
	}
	if err := taskStore.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize task store", zap.Error(err))
	}

	// Initialize application components
	workerPool := workers.NewPool(workers.Options{
		Size:                cfg.Workers.PoolSize,
		PollInterval:        cfg.Workers.PollInterval,
		RetryDelayCap:       cfg.Workers.RetryDelayCap,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
		Source:              cfg.ServiceName,
	}, taskStore, eventBus, metricsCollector, logger)

	registry := realtime.NewRegistry(realtime.Options{
		SendBuffer:        cfg.Realtime.SendBuffer,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
	}, metricsCollector, logger)

	// The fan-out layer consumes the bus like any other handler.
	eventBus.RegisterHandler(registry)

	registry.Start()

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	if err := eventBus.StartConsuming(fmt.Sprintf("examhive-%d", os.Getpid())); err != nil {
		logger.Fatal("failed to start consuming", zap.Error(err))
	}

	streamJanitor := janitor.New(janitor.Options{
		Schedule:     cfg.Janitor.Schedule,
		StreamMaxLen: cfg.Janitor.StreamMaxLen,
	}, redisClient, taskStore, metricsCollector, logger)
	if err := streamJanitor.Start(); err != nil {
		logger.Fatal("failed to start janitor", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Bus:      eventBus,
		Pool:     workerPool,
		Registry: registry,
		Logger:   logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(registry, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("ExamHive core started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown: stop accepting first, then drain consumers and
	// workers, then release the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := streamJanitor.Stop(shutdownCtx); err != nil {
		logger.Error("janitor shutdown error", zap.Error(err))
	}

	if err := registry.Stop(shutdownCtx); err != nil {
		logger.Error("registry shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := eventBus.StopConsuming(shutdownCtx); err != nil {
		logger.Error("event bus shutdown error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("ExamHive core shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
