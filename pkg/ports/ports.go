// Package ports defines the interfaces between the messaging core and its
// adapters. Business code integrates through exactly two calls:
// EventBus.Publish and TaskStore.Enqueue.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/examhive/examhive/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventHandler processes events delivered by the bus. Delivery is
// at-least-once: implementations must be idempotent. A message is only
// acknowledged when every interested handler succeeds.
type EventHandler interface {
	// Name identifies the handler in logs.
	Name() string

	// EventTypes lists the event types the handler wants to receive.
	EventTypes() []domain.EventType

	// Handle processes one event. The bus does not time-bound handler
	// execution; handlers manage their own deadlines.
	Handle(ctx context.Context, event *domain.Event) error
}

// EventBus is a durable publish/subscribe bus with one append log per event
// type and competing-consumer semantics within a shared consumer group.
type EventBus interface {
	// Initialize verifies store connectivity and creates the per-type logs
	// and consumer group. Connectivity failure here is fatal.
	Initialize(ctx context.Context) error

	// Publish appends the event to its type's log and returns the message id.
	Publish(ctx context.Context, event *domain.Event) (string, error)

	// RegisterHandler adds a handler to the registry for each of its types.
	// Handlers must be registered before StartConsuming.
	RegisterHandler(handler EventHandler)

	// StartConsuming starts one consume loop per event type that has at
	// least one registered handler.
	StartConsuming(consumerID string) error

	// StopConsuming stops all consume loops, waiting up to ctx's deadline.
	StopConsuming(ctx context.Context) error

	// ReplayEvents reconstructs events appended to a type's log within the
	// time window without disturbing live consumer offsets.
	ReplayEvents(ctx context.Context, t domain.EventType, start, end time.Time) ([]*domain.Event, error)

	// GetStreamInfo describes one type's log.
	GetStreamInfo(ctx context.Context, t domain.EventType) (*domain.StreamInfo, error)

	// GetPendingMessages lists in-flight deliveries, optionally filtered by
	// consumer.
	GetPendingMessages(ctx context.Context, t domain.EventType, consumer string) ([]domain.PendingMessage, error)

	// ListDeadLetters returns the most recent dead-lettered events.
	ListDeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error)

	Close() error
}

// TaskHandler executes one task. The returned value is stored in the task's
// result on success.
type TaskHandler func(ctx context.Context, task *domain.Task) (interface{}, error)

// TaskStore is the durable storage behind the task queue: three priority
// queues, a time-ordered delayed set, an in-flight set keyed by worker, a
// TTL-bound result store and a permanent failed list.
type TaskStore interface {
	Initialize(ctx context.Context) error

	// Enqueue stores the task in its priority queue, or in the delayed set
	// when it is scheduled for the future, and records a pending result.
	Enqueue(ctx context.Context, task *domain.Task) (string, error)

	// PromoteDue moves delayed tasks whose schedule has arrived into their
	// priority queue. Returns how many were promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// Dequeue pops the next task, strictly high before normal before low.
	// Returns (nil, nil) when all queues are empty.
	Dequeue(ctx context.Context) (*domain.Task, error)

	MarkProcessing(ctx context.Context, workerID string, task *domain.Task) error
	DoneProcessing(ctx context.Context, workerID string) error

	SaveResult(ctx context.Context, result *domain.TaskResult) error
	// GetResult returns the current result for a task id, or ErrNotFound.
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)

	// Cancel removes the task from the queues or delayed set. When the task
	// is not found queued it leaves a cancellation tombstone so a worker
	// that has not yet started execution can still observe it. Returns true
	// only when the task was removed while queued.
	Cancel(ctx context.Context, taskID string) (bool, error)
	IsCancelled(ctx context.Context, taskID string) (bool, error)

	PushFailed(ctx context.Context, failed *domain.FailedTask) error
	ListFailed(ctx context.Context, limit int64) ([]*domain.FailedTask, error)

	Stats(ctx context.Context) (*domain.QueueStats, error)

	Close() error
}

// ClientTransport abstracts the network transport behind one live client
// connection.
type ClientTransport interface {
	WriteJSON(v interface{}) error
	Close() error
}
