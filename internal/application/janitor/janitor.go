// Package janitor runs scheduled maintenance: stream trimming and gauge
// refreshes that should not live on any request path.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	busredis "github.com/examhive/examhive/pkg/adapters/bus/redis"
	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// Options configures the janitor.
type Options struct {
	// Schedule is a cron expression, robfig/cron syntax.
	Schedule string

	// StreamMaxLen bounds every event stream; older entries are trimmed.
	StreamMaxLen int64
}

// Janitor trims event streams to their retention bound and refreshes the
// depth gauges on a cron schedule.
type Janitor struct {
	opts    Options
	client  *redis.Client
	store   ports.TaskStore
	metrics ports.MetricsCollector
	logger  *zap.Logger
	cron    *cron.Cron
}

// New creates a janitor. It does not start the schedule.
func New(opts Options, client *redis.Client, store ports.TaskStore, metrics ports.MetricsCollector, logger *zap.Logger) *Janitor {
	if opts.Schedule == "" {
		opts.Schedule = "@every 1m"
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = 100000
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Janitor{
		opts:    opts,
		client:  client,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the maintenance job and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.opts.Schedule, j.runOnce); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", zap.String("schedule", j.opts.Schedule))
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop().Done()
	select {
	case <-done:
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor stop timeout")
	}
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.trimStreams(ctx)
	j.refreshGauges(ctx)
}

// trimStreams bounds every event stream with an approximate MAXLEN so Redis
// can trim whole macro nodes cheaply.
func (j *Janitor) trimStreams(ctx context.Context) {
	var trimmed int64
	for _, t := range domain.KnownEventTypes() {
		n, err := j.client.XTrimMaxLenApprox(ctx, busredis.StreamKey(t), j.opts.StreamMaxLen, 0).Result()
		if err != nil {
			j.logger.Error("failed to trim stream",
				zap.String("event_type", string(t)),
				zap.Error(err))
			continue
		}
		trimmed += n
	}

	if trimmed > 0 {
		j.logger.Info("trimmed event streams", zap.Int64("entries", trimmed))
	}
}

func (j *Janitor) refreshGauges(ctx context.Context) {
	backlog, err := j.client.XLen(ctx, busredis.DeadLetterStream).Result()
	if err != nil {
		j.logger.Error("failed to read dead-letter backlog", zap.Error(err))
	} else {
		j.metrics.SetDeadLetterBacklog(backlog)
	}

	stats, err := j.store.Stats(ctx)
	if err != nil {
		j.logger.Error("failed to read queue stats", zap.Error(err))
		return
	}
	j.metrics.SetQueueDepth("high", stats.High)
	j.metrics.SetQueueDepth("normal", stats.Normal)
	j.metrics.SetQueueDepth("low", stats.Low)
	j.metrics.SetQueueDepth("delayed", stats.Delayed)
	j.metrics.SetQueueDepth("processing", stats.Processing)
	j.metrics.SetQueueDepth("failed", stats.Failed)
}
