package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/examhive/examhive/pkg/adapters/bus/memory"
	queuememory "github.com/examhive/examhive/pkg/adapters/queue/memory"
	"github.com/examhive/examhive/pkg/domain"
)

// eventSink collects events delivered by the bus.
type eventSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *eventSink) Name() string { return "sink" }

func (s *eventSink) EventTypes() []domain.EventType {
	return []domain.EventType{domain.EventTaskCompleted, domain.EventTaskFailed}
}

func (s *eventSink) Handle(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) received() []*domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Event(nil), s.events...)
}

func newTestPool(t *testing.T, size int) (*Pool, *queuememory.TaskStore) {
	t.Helper()

	store := queuememory.NewTaskStore()
	pool := NewPool(Options{
		Size:                size,
		PollInterval:        5 * time.Millisecond,
		RetryDelayCap:       10 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, store, nil, nil, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	return pool, store
}

func TestBackoffDelay(t *testing.T) {
	capDelay := 60 * time.Second

	assert.Equal(t, time.Second, backoffDelay(0, capDelay))
	assert.Equal(t, 2*time.Second, backoffDelay(1, capDelay))
	assert.Equal(t, 4*time.Second, backoffDelay(2, capDelay))
	assert.Equal(t, 32*time.Second, backoffDelay(5, capDelay))
	assert.Equal(t, capDelay, backoffDelay(6, capDelay))
	assert.Equal(t, capDelay, backoffDelay(20, capDelay))
	assert.Equal(t, capDelay, backoffDelay(64, capDelay), "huge retry counts must not overflow")
}

func TestPoolSubmitRequiresHandler(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	_, err := pool.Submit(context.Background(), domain.NewTask("unregistered", nil, domain.PriorityNormal))
	require.Error(t, err)
}

func TestPoolExecutesTask(t *testing.T) {
	pool, _ := newTestPool(t, 2)

	pool.RegisterHandler("ocr_processing", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		return map[string]interface{}{"text": "extracted"}, nil
	})
	require.NoError(t, pool.Start())

	id, err := pool.Submit(context.Background(), domain.NewTask("ocr_processing", map[string]interface{}{"sheet_id": "s-1"}, domain.PriorityNormal))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	result, err := pool.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, result.Result)
	assert.NotNil(t, result.CompletedAt)
}

func TestPoolPriorityOrdering(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	var mu sync.Mutex
	var order []domain.TaskPriority
	release := make(chan struct{})

	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		<-release
		mu.Lock()
		order = append(order, task.Priority)
		mu.Unlock()
		return nil, nil
	})

	// Enqueue everything before the single worker starts so the strict
	// priority scan decides the order, not submission timing.
	ids := make([]string, 0, 3)
	for _, priority := range []domain.TaskPriority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh} {
		id, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, priority))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, pool.Start())
	close(release)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), ids[0])
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.TaskPriority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}, order)
}

func TestPoolRetriesThenFails(t *testing.T) {
	pool, store := newTestPool(t, 1)

	var mu sync.Mutex
	executions := 0
	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return nil, errors.New("model unavailable")
	})
	require.NoError(t, pool.Start())

	task := domain.NewTask("grading", nil, domain.PriorityNormal, domain.WithMaxRetries(2))
	id, err := pool.Submit(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := executions
	mu.Unlock()
	assert.Equal(t, 3, got, "max_retries=2 means three executions total")

	result, err := pool.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RetryCount)
	assert.Equal(t, "model unavailable", result.Error)

	failed, err := store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1, "a failed task lands on the failed list exactly once")
	assert.Equal(t, id, failed[0].Task.ID)
}

func TestPoolRetrySucceedsWithinBudget(t *testing.T) {
	pool, store := newTestPool(t, 1)

	var mu sync.Mutex
	executions := 0
	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		mu.Lock()
		executions++
		n := executions
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, pool.Start())

	id, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, domain.PriorityNormal))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	failed, err := store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestPoolRetryResultKeepsFailure(t *testing.T) {
	store := queuememory.NewTaskStore()
	pool := NewPool(Options{
		Size:                1,
		PollInterval:        5 * time.Millisecond,
		RetryDelayCap:       500 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, store, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	var mu sync.Mutex
	executions := 0
	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		mu.Lock()
		executions++
		n := executions
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("model unavailable")
		}
		return nil, nil
	})
	require.NoError(t, pool.Start())

	id, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, domain.PriorityNormal))
	require.NoError(t, err)

	// During the backoff window the result must expose the failure that
	// caused the retry, not a bare status.
	var retrying *domain.TaskResult
	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		if err == nil && result.Status == domain.TaskStatusRetrying {
			retrying = result
			return true
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "model unavailable", retrying.Error)
	assert.Equal(t, 1, retrying.RetryCount)
	assert.NotNil(t, retrying.StartedAt)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolCancelledWhileQueuedNeverRuns(t *testing.T) {
	pool, store := newTestPool(t, 1)

	var mu sync.Mutex
	executions := 0
	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return nil, nil
	})

	// Cancel before the pool starts so the task is provably still queued.
	id, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, domain.PriorityNormal))
	require.NoError(t, err)

	removed, err := pool.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, pool.Start())

	sentinel, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, domain.PriorityNormal))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), sentinel)
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := executions
	mu.Unlock()
	assert.Equal(t, 1, got, "only the sentinel ran")

	result, err := pool.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, result.Status)

	cancelled, err := store.IsCancelled(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestPoolTimeoutIsFailure(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	pool.RegisterHandler("slow", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, pool.Start())

	task := domain.NewTask("slow", nil, domain.PriorityNormal,
		domain.WithMaxRetries(0),
		domain.WithTimeout(1))
	id, err := pool.Submit(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusFailed
	}, 5*time.Second, 25*time.Millisecond)

	result, err := pool.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "timed out")
}

func TestPoolDelayedRetryIsPromoted(t *testing.T) {
	pool, store := newTestPool(t, 1)

	var mu sync.Mutex
	executions := 0
	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		mu.Lock()
		executions++
		n := executions
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	require.NoError(t, pool.Start())

	id, err := pool.Submit(context.Background(), domain.NewTask("grading", nil, domain.PriorityNormal))
	require.NoError(t, err)

	// The retry passes through the delayed set and must still complete.
	require.Eventually(t, func() bool {
		result, err := pool.GetResult(context.Background(), id)
		return err == nil && result.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Delayed)
}

func TestPoolResultEventsCarrySource(t *testing.T) {
	store := queuememory.NewTaskStore()
	bus := busmemory.NewInMemoryBus(0)
	sink := &eventSink{}
	bus.RegisterHandler(sink)
	require.NoError(t, bus.StartConsuming("test-consumer"))

	pool := NewPool(Options{
		Size:                1,
		PollInterval:        5 * time.Millisecond,
		RetryDelayCap:       10 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		Source:              "examhive-staging",
	}, store, bus, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	pool.RegisterHandler("grading", func(ctx context.Context, task *domain.Task) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, pool.Start())

	task := domain.NewTask("grading",
		map[string]interface{}{"exam_id": "exam-1"},
		domain.PriorityNormal,
		domain.WithTaskUserID("user-a"))
	id, err := pool.Submit(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	event := sink.received()[0]
	assert.Equal(t, domain.EventTaskCompleted, event.Type)
	assert.Equal(t, "examhive-staging", event.Metadata.SourceService)
	assert.Equal(t, "user-a", event.Metadata.UserID)
	assert.Equal(t, id, event.Data["task_id"])
	assert.Equal(t, "exam-1", event.Data["exam_id"])
}

func TestPoolStatus(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	require.NoError(t, pool.Start())

	status := pool.GetStatus()
	assert.Len(t, status, 3)
	assert.True(t, pool.IsHealthy())
}
