package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

type delayedTask struct {
	task *domain.Task
	due  time.Time
}

// TaskStore implements ports.TaskStore in process memory. It mirrors the
// Redis store's semantics (strict priority, delayed promotion, cancellation
// tombstones) for tests and single-process development.
type TaskStore struct {
	mu         sync.Mutex
	queues     map[domain.TaskPriority][]*domain.Task
	delayed    []delayedTask
	processing map[string]*domain.Task
	results    map[string]*domain.TaskResult
	failed     []*domain.FailedTask
	cancelled  map[string]bool
}

// NewTaskStore creates a new in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		queues:     make(map[domain.TaskPriority][]*domain.Task),
		processing: make(map[string]*domain.Task),
		results:    make(map[string]*domain.TaskResult),
		cancelled:  make(map[string]bool),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *TaskStore) Initialize(ctx context.Context) error { return nil }

// Enqueue stores the task and records a pending result.
func (s *TaskStore) Enqueue(ctx context.Context, task *domain.Task) (string, error) {
	if !task.Priority.Valid() {
		return "", fmt.Errorf("unknown task priority: %s", task.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := task.Due()
	if due.After(time.Now()) {
		s.delayed = append(s.delayed, delayedTask{task: task, due: due})
		sort.Slice(s.delayed, func(i, j int) bool {
			return s.delayed[i].due.Before(s.delayed[j].due)
		})
	} else {
		s.queues[task.Priority] = append(s.queues[task.Priority], task)
	}

	// A retry resubmission already carries the worker's retrying result;
	// only a fresh task gets its initial pending result here.
	if task.RetryCount == 0 {
		s.results[task.ID] = &domain.TaskResult{
			TaskID: task.ID,
			Status: domain.TaskStatusPending,
		}
	}

	return task.ID, nil
}

// PromoteDue moves due delayed tasks into their priority queues.
func (s *TaskStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	remaining := s.delayed[:0]
	for _, entry := range s.delayed {
		if entry.due.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		s.queues[entry.task.Priority] = append(s.queues[entry.task.Priority], entry.task)
		promoted++
	}
	s.delayed = remaining
	return promoted, nil
}

// Dequeue pops the next task, strictly high before normal before low.
func (s *TaskStore) Dequeue(ctx context.Context) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, priority := range domain.Priorities() {
		queue := s.queues[priority]
		if len(queue) == 0 {
			continue
		}
		task := queue[0]
		s.queues[priority] = queue[1:]
		return task, nil
	}
	return nil, nil
}

// MarkProcessing records the task as in flight for the worker.
func (s *TaskStore) MarkProcessing(ctx context.Context, workerID string, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing[workerID] = task
	return nil
}

// DoneProcessing clears the worker's in-flight entry.
func (s *TaskStore) DoneProcessing(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, workerID)
	return nil
}

// SaveResult stores the task's current result, overwriting the previous one.
func (s *TaskStore) SaveResult(ctx context.Context, result *domain.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.TaskID] = result
	return nil
}

// GetResult returns the current result for a task id.
func (s *TaskStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[taskID]
	if !ok {
		return nil, fmt.Errorf("task result %s: %w", taskID, ports.ErrNotFound)
	}
	copied := *result
	return &copied, nil
}

// Cancel removes the task from the queues or delayed set and leaves a
// tombstone either way.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, priority := range domain.Priorities() {
		queue := s.queues[priority]
		for i, task := range queue {
			if task.ID == taskID {
				s.queues[priority] = append(queue[:i], queue[i+1:]...)
				removed = true
				break
			}
		}
		if removed {
			break
		}
	}

	if !removed {
		for i, entry := range s.delayed {
			if entry.task.ID == taskID {
				s.delayed = append(s.delayed[:i], s.delayed[i+1:]...)
				removed = true
				break
			}
		}
	}

	s.cancelled[taskID] = true

	if removed {
		completedAt := time.Now().UTC()
		s.results[taskID] = &domain.TaskResult{
			TaskID:      taskID,
			Status:      domain.TaskStatusCancelled,
			CompletedAt: &completedAt,
		}
	}

	return removed, nil
}

// IsCancelled reports whether a cancellation tombstone exists for the task.
func (s *TaskStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID], nil
}

// PushFailed appends the task to the permanent failed list.
func (s *TaskStore) PushFailed(ctx context.Context, failed *domain.FailedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failed)
	return nil
}

// ListFailed returns permanently failed tasks, newest first.
func (s *TaskStore) ListFailed(ctx context.Context, limit int64) ([]*domain.FailedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > int64(len(s.failed)) {
		limit = int64(len(s.failed))
	}
	failed := make([]*domain.FailedTask, 0, limit)
	for i := len(s.failed) - 1; i >= 0 && int64(len(failed)) < limit; i-- {
		failed = append(failed, s.failed[i])
	}
	return failed, nil
}

// Stats returns current queue depths.
func (s *TaskStore) Stats(ctx context.Context) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &domain.QueueStats{
		High:       int64(len(s.queues[domain.PriorityHigh])),
		Normal:     int64(len(s.queues[domain.PriorityNormal])),
		Low:        int64(len(s.queues[domain.PriorityLow])),
		Delayed:    int64(len(s.delayed)),
		Processing: int64(len(s.processing)),
		Failed:     int64(len(s.failed)),
	}, nil
}

// Close is a no-op for the in-memory store.
func (s *TaskStore) Close() error { return nil }
