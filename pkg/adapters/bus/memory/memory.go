package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// InMemoryBus implements ports.EventBus without a durable store. Delivery is
// synchronous inside Publish, which makes retry and dead-letter behavior
// deterministic for tests. Not suitable for multi-process deployments.
type InMemoryBus struct {
	maxRetries int

	mu          sync.RWMutex
	handlers    map[domain.EventType][]ports.EventHandler
	log         map[domain.EventType][]*domain.Event
	deadLetters []domain.DeadLetter
	consuming   bool
}

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(maxRetries int) *InMemoryBus {
	return &InMemoryBus{
		maxRetries: maxRetries,
		handlers:   make(map[domain.EventType][]ports.EventHandler),
		log:        make(map[domain.EventType][]*domain.Event),
	}
}

// Initialize is a no-op for the in-memory bus.
func (b *InMemoryBus) Initialize(ctx context.Context) error { return nil }

// Publish appends the event to the in-memory log and, when consuming,
// delivers it to every interested handler with the same retry/dead-letter
// semantics as the durable bus.
func (b *InMemoryBus) Publish(ctx context.Context, event *domain.Event) (string, error) {
	if !event.Type.Valid() {
		return "", fmt.Errorf("unknown event type: %s", event.Type)
	}

	b.mu.Lock()
	b.log[event.Type] = append(b.log[event.Type], event)
	handlers := make([]ports.EventHandler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	consuming := b.consuming
	b.mu.Unlock()

	messageID := uuid.New().String()
	if !consuming || len(handlers) == 0 {
		return messageID, nil
	}

	for attempt := 0; ; attempt++ {
		var handlerErr error
		for _, handler := range handlers {
			if err := handler.Handle(ctx, event); err != nil && handlerErr == nil {
				handlerErr = err
			}
		}
		if handlerErr == nil {
			return messageID, nil
		}
		if attempt >= b.maxRetries {
			b.mu.Lock()
			b.deadLetters = append(b.deadLetters, domain.DeadLetter{
				Event:        event,
				OriginStream: string(event.Type),
				RetryCount:   attempt,
				FailedAt:     time.Now().UTC(),
			})
			b.mu.Unlock()
			return messageID, nil
		}
	}
}

// RegisterHandler adds the handler for each of its event types.
func (b *InMemoryBus) RegisterHandler(handler ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range handler.EventTypes() {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// StartConsuming enables delivery of subsequently published events.
func (b *InMemoryBus) StartConsuming(consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consuming = true
	return nil
}

// StopConsuming disables delivery.
func (b *InMemoryBus) StopConsuming(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consuming = false
	return nil
}

// ReplayEvents returns logged events of the type within the time window.
func (b *InMemoryBus) ReplayEvents(ctx context.Context, t domain.EventType, start, end time.Time) ([]*domain.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var events []*domain.Event
	for _, event := range b.log[t] {
		ts := event.Metadata.Timestamp
		if !ts.Before(start) && !ts.After(end) {
			events = append(events, event)
		}
	}
	return events, nil
}

// GetStreamInfo describes one event type's log.
func (b *InMemoryBus) GetStreamInfo(ctx context.Context, t domain.EventType) (*domain.StreamInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &domain.StreamInfo{
		Stream: string(t),
		Length: int64(len(b.log[t])),
		Groups: 1,
	}, nil
}

// GetPendingMessages always returns an empty list: in-memory delivery is
// synchronous, so nothing is ever in flight.
func (b *InMemoryBus) GetPendingMessages(ctx context.Context, t domain.EventType, consumer string) ([]domain.PendingMessage, error) {
	return []domain.PendingMessage{}, nil
}

// ListDeadLetters returns dead-lettered events, newest first.
func (b *InMemoryBus) ListDeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > int64(len(b.deadLetters)) {
		limit = int64(len(b.deadLetters))
	}
	letters := make([]domain.DeadLetter, 0, limit)
	for i := len(b.deadLetters) - 1; i >= 0 && int64(len(letters)) < limit; i-- {
		letters = append(letters, b.deadLetters[i])
	}
	return letters, nil
}

// Close clears all state.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consuming = false
	b.handlers = make(map[domain.EventType][]ports.EventHandler)
	b.log = make(map[domain.EventType][]*domain.Event)
	return nil
}
