package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task defaults.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 300
)

// TaskPriority orders tasks across the three queues. Priority is strict:
// a lower level is only served when every higher level is empty.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Priorities returns all priorities from highest to lowest.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskStatus tracks a task through its lifecycle:
// pending -> processing -> {completed | failed | retrying | cancelled}.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Task is a unit of asynchronous work. Retries reuse the same id with an
// incremented retry count.
type Task struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Data           map[string]interface{} `json:"data"`
	Priority       TaskPriority           `json:"priority"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	DelaySeconds   int                    `json:"delay_seconds"`
	RetryCount     int                    `json:"retry_count"`
	CreatedAt      time.Time              `json:"created_at"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
}

// TaskOption customizes a new task.
type TaskOption func(*Task)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

// WithTimeout overrides the execution timeout.
func WithTimeout(seconds int) TaskOption {
	return func(t *Task) { t.TimeoutSeconds = seconds }
}

// WithDelay schedules the task for delayed execution.
func WithDelay(seconds int) TaskOption {
	return func(t *Task) { t.DelaySeconds = seconds }
}

// WithTaskCorrelationID sets the correlation id.
func WithTaskCorrelationID(id string) TaskOption {
	return func(t *Task) { t.CorrelationID = id }
}

// WithTaskUserID scopes the task to a user.
func WithTaskUserID(id string) TaskOption {
	return func(t *Task) { t.UserID = id }
}

// NewTask creates a task with a fresh id and the standard defaults applied.
func NewTask(taskType string, data map[string]interface{}, priority TaskPriority, opts ...TaskOption) *Task {
	if data == nil {
		data = map[string]interface{}{}
	}
	t := &Task{
		ID:             uuid.New().String(),
		Type:           taskType,
		Data:           data,
		Priority:       priority,
		MaxRetries:     DefaultMaxRetries,
		TimeoutSeconds: DefaultTimeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.DelaySeconds > 0 {
		due := t.CreatedAt.Add(time.Duration(t.DelaySeconds) * time.Second)
		t.ScheduledAt = &due
	}
	return t
}

// Due returns when the task becomes eligible for execution.
func (t *Task) Due() time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}

// Timeout returns the execution timeout as a duration.
func (t *Task) Timeout() time.Duration {
	seconds := t.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// TaskResult is the current status of a task. At most one result exists per
// task id; the latest transition overwrites the previous one.
type TaskResult struct {
	TaskID        string      `json:"task_id"`
	Status        TaskStatus  `json:"status"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ExecutionTime float64     `json:"execution_time,omitempty"`
	RetryCount    int         `json:"retry_count"`
}

// QueueStats exposes queue depths for dashboards.
type QueueStats struct {
	High       int64 `json:"high"`
	Normal     int64 `json:"normal"`
	Low        int64 `json:"low"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// FailedTask is a permanently failed task together with its final result.
type FailedTask struct {
	Task     *Task       `json:"task"`
	Result   *TaskResult `json:"result"`
	FailedAt time.Time   `json:"failed_at"`
}
