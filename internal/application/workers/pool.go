package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// Options configures the worker pool.
type Options struct {
	Size                int
	PollInterval        time.Duration
	RetryDelayCap       time.Duration
	HealthCheckInterval time.Duration

	// Source tags events published by the pool with their origin service.
	Source string
}

// Pool manages a fixed number of worker goroutines that poll the task store.
// Worker count bounds total task concurrency; each worker executes one task
// at a time.
type Pool struct {
	opts    Options
	store   ports.TaskStore
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	hmu      sync.RWMutex
	handlers map[string]ports.TaskHandler

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker represents a single worker goroutine.
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. The bus may be nil; result events are
// then not published.
func NewPool(
	opts Options,
	store ports.TaskStore,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.RetryDelayCap <= 0 {
		opts.RetryDelayCap = 60 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "task-queue"
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		opts:     opts,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string]ports.TaskHandler),
		workers:  make([]*worker, opts.Size),
		ctx:      ctx,
		cancel:   cancel,
	}

	pool.health = NewHealthMonitor(pool, opts.HealthCheckInterval, logger)

	return pool
}

// RegisterHandler binds a task type to its handler. Submitting a task whose
// type has no handler fails at submission time.
func (p *Pool) RegisterHandler(taskType string, handler ports.TaskHandler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[taskType] = handler
}

func (p *Pool) handler(taskType string) (ports.TaskHandler, bool) {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	h, ok := p.handlers[taskType]
	return h, ok
}

// Submit enqueues a task for asynchronous execution and returns its id.
// This is the single integration point for business code submitting work.
func (p *Pool) Submit(ctx context.Context, task *domain.Task) (string, error) {
	if _, ok := p.handler(task.Type); !ok {
		return "", fmt.Errorf("no handler registered for task type: %s", task.Type)
	}

	id, err := p.store.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}

	p.metrics.RecordTaskSubmitted(task.Type, string(task.Priority))
	p.logger.Debug("task submitted",
		zap.String("task_id", id),
		zap.String("type", task.Type),
		zap.String("priority", string(task.Priority)))

	return id, nil
}

// GetResult returns the current result for a task id.
func (p *Pool) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	return p.store.GetResult(ctx, taskID)
}

// Cancel cancels a queued or delayed task, best effort. A task already
// claimed by a worker runs to completion.
func (p *Pool) Cancel(ctx context.Context, taskID string) (bool, error) {
	return p.store.Cancel(ctx, taskID)
}

// Stats returns current queue depths.
func (p *Pool) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return p.store.Stats(ctx)
}

// ListFailed returns permanently failed tasks.
func (p *Pool) ListFailed(ctx context.Context, limit int64) ([]*domain.FailedTask, error) {
	return p.store.ListFailed(ctx, limit)
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.opts.Size))

	for i := 0; i < p.opts.Size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.opts.Size))
	return nil
}

// Shutdown gracefully shuts down the worker pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers.
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// IsHealthy reports whether the pool has live capacity.
func (p *Pool) IsHealthy() bool {
	return p.health.IsHealthy()
}

// run is the main worker loop: promote due delayed tasks, then poll strictly
// high before normal before low.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.status = WorkerStatusStopped
			w.mu.Unlock()
			w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return
		default:
		}

		if _, err := w.pool.store.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
			w.pool.logger.Error("failed to promote delayed tasks",
				zap.String("worker_id", w.id),
				zap.Error(err))
		}

		task, err := w.pool.store.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.pool.logger.Error("failed to dequeue task",
					zap.String("worker_id", w.id),
					zap.Error(err))
			}
			w.idle(ctx)
			continue
		}
		if task == nil {
			w.idle(ctx)
			continue
		}

		w.execute(ctx, task)
	}
}

func (w *worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pool.opts.PollInterval):
	}
}

// execute runs one task under its hard timeout and records every status
// transition. A cancellation observed before execution starts wins; a task
// that already started runs to completion.
func (w *worker) execute(ctx context.Context, task *domain.Task) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.mu.Unlock()
	}()

	cancelled, err := w.pool.store.IsCancelled(ctx, task.ID)
	if err != nil {
		w.pool.logger.Error("failed to check cancellation",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	if cancelled {
		completedAt := time.Now().UTC()
		w.saveResult(ctx, &domain.TaskResult{
			TaskID:      task.ID,
			Status:      domain.TaskStatusCancelled,
			CompletedAt: &completedAt,
			RetryCount:  task.RetryCount,
		})
		w.pool.metrics.RecordTaskCompleted(task.Type, string(domain.TaskStatusCancelled), 0)
		w.pool.logger.Info("task cancelled before execution",
			zap.String("worker_id", w.id),
			zap.String("task_id", task.ID))
		return
	}

	if err := w.pool.store.MarkProcessing(ctx, w.id, task); err != nil {
		w.pool.logger.Error("failed to mark processing",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	defer func() {
		if err := w.pool.store.DoneProcessing(ctx, w.id); err != nil {
			w.pool.logger.Error("failed to clear processing",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}()

	startedAt := time.Now().UTC()
	w.saveResult(ctx, &domain.TaskResult{
		TaskID:     task.ID,
		Status:     domain.TaskStatusProcessing,
		StartedAt:  &startedAt,
		RetryCount: task.RetryCount,
	})

	w.pool.logger.Info("executing task",
		zap.String("worker_id", w.id),
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("retry_count", task.RetryCount))

	output, execErr := w.invoke(ctx, task)
	duration := time.Since(startedAt)
	completedAt := time.Now().UTC()

	if execErr == nil {
		w.saveResult(ctx, &domain.TaskResult{
			TaskID:        task.ID,
			Status:        domain.TaskStatusCompleted,
			Result:        output,
			StartedAt:     &startedAt,
			CompletedAt:   &completedAt,
			ExecutionTime: duration.Seconds(),
			RetryCount:    task.RetryCount,
		})
		w.pool.metrics.RecordTaskCompleted(task.Type, string(domain.TaskStatusCompleted), duration)
		w.publishResultEvent(ctx, task, domain.EventTaskCompleted, duration, "")
		w.pool.logger.Info("task completed",
			zap.String("worker_id", w.id),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
		return
	}

	if task.RetryCount < task.MaxRetries {
		w.retry(ctx, task, startedAt, execErr)
		return
	}

	w.saveResult(ctx, &domain.TaskResult{
		TaskID:        task.ID,
		Status:        domain.TaskStatusFailed,
		Error:         execErr.Error(),
		StartedAt:     &startedAt,
		CompletedAt:   &completedAt,
		ExecutionTime: duration.Seconds(),
		RetryCount:    task.RetryCount,
	})
	if err := w.pool.store.PushFailed(ctx, &domain.FailedTask{
		Task: task,
		Result: &domain.TaskResult{
			TaskID:        task.ID,
			Status:        domain.TaskStatusFailed,
			Error:         execErr.Error(),
			StartedAt:     &startedAt,
			CompletedAt:   &completedAt,
			ExecutionTime: duration.Seconds(),
			RetryCount:    task.RetryCount,
		},
		FailedAt: completedAt,
	}); err != nil {
		w.pool.logger.Error("failed to record failed task",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	w.pool.metrics.RecordTaskCompleted(task.Type, string(domain.TaskStatusFailed), duration)
	w.publishResultEvent(ctx, task, domain.EventTaskFailed, duration, execErr.Error())
	w.pool.logger.Warn("task failed permanently",
		zap.String("worker_id", w.id),
		zap.String("task_id", task.ID),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(execErr))
}

// invoke runs the handler with a hard per-task timeout. A timeout is treated
// as an ordinary failure; the handler goroutine keeps the cancelled context
// and is expected to unwind on its own.
func (w *worker) invoke(ctx context.Context, task *domain.Task) (interface{}, error) {
	handler, ok := w.pool.handler(task.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type: %s", task.Type)
	}

	tctx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	type execResult struct {
		output interface{}
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		output, err := handler(tctx, task)
		done <- execResult{output: output, err: err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-tctx.Done():
		return nil, fmt.Errorf("task timed out after %s", task.Timeout())
	}
}

// retry resubmits the task with the same id, an incremented retry count and
// an exponential, capped backoff delay.
func (w *worker) retry(ctx context.Context, task *domain.Task, startedAt time.Time, execErr error) {
	delay := backoffDelay(task.RetryCount, w.pool.opts.RetryDelayCap)

	copied := *task
	copied.RetryCount = task.RetryCount + 1
	copied.DelaySeconds = int(delay / time.Second)
	due := time.Now().UTC().Add(delay)
	copied.ScheduledAt = &due

	w.saveResult(ctx, &domain.TaskResult{
		TaskID:     task.ID,
		Status:     domain.TaskStatusRetrying,
		Error:      execErr.Error(),
		StartedAt:  &startedAt,
		RetryCount: copied.RetryCount,
	})

	if _, err := w.pool.store.Enqueue(ctx, &copied); err != nil {
		w.pool.logger.Error("failed to resubmit task for retry",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	w.pool.metrics.RecordTaskRetried(task.Type)
	w.pool.logger.Info("task scheduled for retry",
		zap.String("worker_id", w.id),
		zap.String("task_id", task.ID),
		zap.Int("retry_count", copied.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(execErr))
}

func (w *worker) saveResult(ctx context.Context, result *domain.TaskResult) {
	if err := w.pool.store.SaveResult(ctx, result); err != nil {
		w.pool.logger.Error("failed to save task result",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
	}
}

// publishResultEvent publishes a task.completed/task.failed event carrying
// the task's identity and outcome.
func (w *worker) publishResultEvent(ctx context.Context, task *domain.Task, t domain.EventType, duration time.Duration, errMsg string) {
	if w.pool.bus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":        task.ID,
		"task_type":      task.Type,
		"execution_time": duration.Seconds(),
	}
	if examID, ok := task.Data["exam_id"]; ok {
		data["exam_id"] = examID
	}
	if errMsg != "" {
		data["error"] = errMsg
	}

	opts := []domain.EventOption{}
	if task.CorrelationID != "" {
		opts = append(opts, domain.WithCorrelationID(task.CorrelationID))
	}
	if task.UserID != "" {
		opts = append(opts, domain.WithUserID(task.UserID))
	}

	event := domain.NewEvent(t, data, w.pool.opts.Source, opts...)
	if _, err := w.pool.bus.Publish(ctx, event); err != nil {
		w.pool.logger.Error("failed to publish task result event",
			zap.String("task_id", task.ID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// backoffDelay returns min(cap, 2^retryCount) seconds.
func backoffDelay(retryCount int, cap time.Duration) time.Duration {
	if retryCount > 30 {
		return cap
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > cap {
		return cap
	}
	return delay
}
