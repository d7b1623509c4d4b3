package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the examhive core.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"EXAMHIVE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"EXAMHIVE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// ServiceName tags published events with their source.
	ServiceName string `env:"EXAMHIVE_SERVICE_NAME" envDefault:"examhive-core"`

	// Redis configuration
	Redis RedisConfig

	// Event bus configuration
	Bus BusConfig

	// Task queue configuration
	Queue QueueConfig

	// Worker configuration
	Workers WorkerConfig

	// Realtime fan-out configuration
	Realtime RealtimeConfig

	// Janitor configuration
	Janitor JanitorConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	ConsumerGroup string        `env:"BUS_CONSUMER_GROUP" envDefault:"examhive-core"`
	MaxRetries    int           `env:"BUS_MAX_RETRIES" envDefault:"3"`
	ReadBlock     time.Duration `env:"BUS_READ_BLOCK" envDefault:"2s"`
	ReadCount     int64         `env:"BUS_READ_COUNT" envDefault:"10"`
	ErrorBackoff  time.Duration `env:"BUS_ERROR_BACKOFF" envDefault:"1s"`
}

// QueueConfig holds task queue storage configuration.
type QueueConfig struct {
	ResultTTL time.Duration `env:"QUEUE_RESULT_TTL" envDefault:"24h"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	PollInterval        time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"200ms"`
	RetryDelayCap       time.Duration `env:"WORKER_RETRY_DELAY_CAP" envDefault:"60s"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// RealtimeConfig holds connection registry configuration.
type RealtimeConfig struct {
	SendBuffer        int           `env:"REALTIME_SEND_BUFFER" envDefault:"64"`
	HeartbeatInterval time.Duration `env:"REALTIME_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"REALTIME_HEARTBEAT_TIMEOUT" envDefault:"90s"`
}

// JanitorConfig holds maintenance scheduling configuration.
type JanitorConfig struct {
	Schedule     string `env:"JANITOR_SCHEDULE" envDefault:"@every 1m"`
	StreamMaxLen int64  `env:"JANITOR_STREAM_MAX_LEN" envDefault:"100000"`
}

// TimeoutConfig holds various timeout configurations.
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate bus config
	if c.Bus.ConsumerGroup == "" {
		return fmt.Errorf("consumer group is required")
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus max retries must not be negative")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.RetryDelayCap < time.Second {
		return fmt.Errorf("retry delay cap must be at least 1s")
	}

	// Validate realtime config
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime send buffer must be at least 1")
	}
	if c.Realtime.HeartbeatTimeout < c.Realtime.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must not be shorter than the heartbeat interval")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
