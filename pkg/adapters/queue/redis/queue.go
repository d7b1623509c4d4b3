package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

const (
	queuePrefix = "examhive:tasks:"

	delayedKey    = queuePrefix + "delayed"
	processingKey = queuePrefix + "processing"
	failedKey     = queuePrefix + "failed"
)

func queueKey(p domain.TaskPriority) string {
	return queuePrefix + "queue:" + string(p)
}

func resultKey(taskID string) string {
	return queuePrefix + "result:" + taskID
}

func cancelKey(taskID string) string {
	return queuePrefix + "cancelled:" + taskID
}

// TaskStore implements ports.TaskStore on Redis: one list per priority, a
// ZSET for delayed tasks scored by due time, a hash of in-flight tasks keyed
// by worker, TTL-bound result keys and a permanent failed list.
type TaskStore struct {
	client    *redis.Client
	logger    *zap.Logger
	resultTTL time.Duration
}

// NewTaskStore creates a new Redis task store.
func NewTaskStore(client *redis.Client, resultTTL time.Duration, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		client:    client,
		logger:    logger,
		resultTTL: resultTTL,
	}
}

// Initialize verifies connectivity. Failure here is fatal to startup.
func (s *TaskStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Enqueue stores the task and records a pending result. Tasks scheduled for
// the future go to the delayed set; everything else goes straight to its
// priority queue.
func (s *TaskStore) Enqueue(ctx context.Context, task *domain.Task) (string, error) {
	if !task.Priority.Valid() {
		return "", fmt.Errorf("unknown task priority: %s", task.Priority)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	due := task.Due()
	if due.After(time.Now()) {
		err = s.client.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(data),
		}).Err()
	} else {
		err = s.client.LPush(ctx, queueKey(task.Priority), string(data)).Err()
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	// A retry resubmission already carries a richer retrying result written
	// by the worker; only a fresh task gets its initial pending result here.
	if task.RetryCount == 0 {
		if err := s.SaveResult(ctx, &domain.TaskResult{
			TaskID: task.ID,
			Status: domain.TaskStatusPending,
		}); err != nil {
			s.logger.Error("failed to record initial task result",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	s.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.String("priority", string(task.Priority)),
		zap.Int("retry_count", task.RetryCount))

	return task.ID, nil
}

// PromoteDue moves delayed tasks whose schedule has arrived into their
// priority queues.
func (s *TaskStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed set: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// Only the instance that removes the member promotes it, so
		// competing workers never double-deliver a delayed task.
		removed, err := s.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil || removed == 0 {
			continue
		}

		var task domain.Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			s.logger.Error("dropping undecodable delayed task", zap.Error(err))
			continue
		}

		if err := s.client.LPush(ctx, queueKey(task.Priority), member).Err(); err != nil {
			s.logger.Error("failed to promote delayed task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		promoted++
	}

	return promoted, nil
}

// Dequeue pops the next task, strictly high before normal before low.
func (s *TaskStore) Dequeue(ctx context.Context) (*domain.Task, error) {
	for _, priority := range domain.Priorities() {
		data, err := s.client.RPop(ctx, queueKey(priority)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop task: %w", err)
		}

		var task domain.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			s.logger.Error("dropping undecodable task", zap.Error(err))
			continue
		}
		return &task, nil
	}
	return nil, nil
}

// MarkProcessing records the task as in flight for the worker.
func (s *TaskStore) MarkProcessing(ctx context.Context, workerID string, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, processingKey, workerID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	return nil
}

// DoneProcessing clears the worker's in-flight entry.
func (s *TaskStore) DoneProcessing(ctx context.Context, workerID string) error {
	if err := s.client.HDel(ctx, processingKey, workerID).Err(); err != nil {
		return fmt.Errorf("failed to clear processing: %w", err)
	}
	return nil
}

// SaveResult stores the task's current result with a TTL. The latest
// transition overwrites the previous one.
func (s *TaskStore) SaveResult(ctx context.Context, result *domain.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.client.Set(ctx, resultKey(result.TaskID), data, s.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult returns the current result for a task id.
func (s *TaskStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("task result %s: %w", taskID, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var result domain.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Cancel scans the priority queues and the delayed set for the task and
// removes it. When the task is not found queued, a tombstone is left so a
// worker that claims it before starting execution still observes the
// cancellation. A task already executing is not interrupted.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) (bool, error) {
	removed := false

	for _, priority := range domain.Priorities() {
		key := queueKey(priority)
		entries, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("failed to scan queue: %w", err)
		}
		for _, entry := range entries {
			var task domain.Task
			if json.Unmarshal([]byte(entry), &task) != nil || task.ID != taskID {
				continue
			}
			if n, err := s.client.LRem(ctx, key, 1, entry).Result(); err == nil && n > 0 {
				removed = true
			}
		}
	}

	if !removed {
		members, err := s.client.ZRange(ctx, delayedKey, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("failed to scan delayed set: %w", err)
		}
		for _, member := range members {
			var task domain.Task
			if json.Unmarshal([]byte(member), &task) != nil || task.ID != taskID {
				continue
			}
			if n, err := s.client.ZRem(ctx, delayedKey, member).Result(); err == nil && n > 0 {
				removed = true
			}
		}
	}

	if err := s.client.Set(ctx, cancelKey(taskID), "1", s.resultTTL).Err(); err != nil {
		s.logger.Error("failed to set cancellation tombstone",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	if removed {
		completedAt := time.Now().UTC()
		if err := s.SaveResult(ctx, &domain.TaskResult{
			TaskID:      taskID,
			Status:      domain.TaskStatusCancelled,
			CompletedAt: &completedAt,
		}); err != nil {
			s.logger.Error("failed to record cancelled result",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	return removed, nil
}

// IsCancelled reports whether a cancellation tombstone exists for the task.
func (s *TaskStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return n > 0, nil
}

// PushFailed appends the task to the permanent failed list.
func (s *TaskStore) PushFailed(ctx context.Context, failed *domain.FailedTask) error {
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to marshal failed task: %w", err)
	}
	if err := s.client.LPush(ctx, failedKey, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to push failed task: %w", err)
	}
	return nil
}

// ListFailed returns the most recent permanently failed tasks.
func (s *TaskStore) ListFailed(ctx context.Context, limit int64) ([]*domain.FailedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.client.LRange(ctx, failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed list: %w", err)
	}

	failed := make([]*domain.FailedTask, 0, len(entries))
	for _, entry := range entries {
		var f domain.FailedTask
		if err := json.Unmarshal([]byte(entry), &f); err != nil {
			continue
		}
		failed = append(failed, &f)
	}
	return failed, nil
}

// Stats returns current queue depths.
func (s *TaskStore) Stats(ctx context.Context) (*domain.QueueStats, error) {
	pipe := s.client.Pipeline()
	high := pipe.LLen(ctx, queueKey(domain.PriorityHigh))
	normal := pipe.LLen(ctx, queueKey(domain.PriorityNormal))
	low := pipe.LLen(ctx, queueKey(domain.PriorityLow))
	delayed := pipe.ZCard(ctx, delayedKey)
	processing := pipe.HLen(ctx, processingKey)
	failed := pipe.LLen(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	return &domain.QueueStats{
		High:       high.Val(),
		Normal:     normal.Val(),
		Low:        low.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *TaskStore) Close() error { return nil }
