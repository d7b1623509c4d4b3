package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examhive/examhive/pkg/domain"
)

type recordingHandler struct {
	name  string
	types []domain.EventType

	mu       sync.Mutex
	events   []*domain.Event
	failures int
}

func (h *recordingHandler) Name() string                   { return h.name }
func (h *recordingHandler) EventTypes() []domain.EventType { return h.types }

func (h *recordingHandler) Handle(ctx context.Context, event *domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return errors.New("handler failure")
	}
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) received() []*domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.Event(nil), h.events...)
}

func TestInMemoryBusDispatch(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryBus(3)

	handler := &recordingHandler{name: "ocr", types: []domain.EventType{domain.EventSheetUploaded}}
	bus.RegisterHandler(handler)
	require.NoError(t, bus.StartConsuming("test-consumer"))

	_, err := bus.Publish(ctx, domain.NewEvent(domain.EventSheetUploaded, map[string]interface{}{"sheet_id": "s-1"}, "test"))
	require.NoError(t, err)

	// A type the handler did not register for must not reach it.
	_, err = bus.Publish(ctx, domain.NewEvent(domain.EventExamCreated, nil, "test"))
	require.NoError(t, err)

	received := handler.received()
	require.Len(t, received, 1)
	assert.Equal(t, domain.EventSheetUploaded, received[0].Type)
}

func TestInMemoryBusRejectsUnknownType(t *testing.T) {
	bus := NewInMemoryBus(3)
	_, err := bus.Publish(context.Background(), &domain.Event{Type: "exam.exploded"})
	require.Error(t, err)
}

func TestInMemoryBusRetry(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		ctx := context.Background()
		bus := NewInMemoryBus(3)

		handler := &recordingHandler{
			name:     "flaky",
			types:    []domain.EventType{domain.EventOCRCompleted},
			failures: 2,
		}
		bus.RegisterHandler(handler)
		require.NoError(t, bus.StartConsuming("test-consumer"))

		_, err := bus.Publish(ctx, domain.NewEvent(domain.EventOCRCompleted, nil, "test"))
		require.NoError(t, err)

		assert.Len(t, handler.received(), 1)
		letters, err := bus.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("dead-letters after exhaustion", func(t *testing.T) {
		ctx := context.Background()
		bus := NewInMemoryBus(1)

		handler := &recordingHandler{
			name:     "broken",
			types:    []domain.EventType{domain.EventOCRFailed},
			failures: 10,
		}
		bus.RegisterHandler(handler)
		require.NoError(t, bus.StartConsuming("test-consumer"))

		event := domain.NewEvent(domain.EventOCRFailed, nil, "test")
		_, err := bus.Publish(ctx, event)
		require.NoError(t, err)

		letters, err := bus.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, event.Metadata.EventID, letters[0].Event.Metadata.EventID)
		assert.Equal(t, string(domain.EventOCRFailed), letters[0].OriginStream)
		assert.Equal(t, 1, letters[0].RetryCount)
		assert.Empty(t, handler.received())
	})
}

func TestInMemoryBusReplay(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryBus(3)

	first := domain.NewEvent(domain.EventGradingCompleted, map[string]interface{}{"exam_id": "e-1"}, "test")
	second := domain.NewEvent(domain.EventGradingCompleted, map[string]interface{}{"exam_id": "e-2"}, "test")
	second.Metadata.Timestamp = first.Metadata.Timestamp.Add(time.Hour)

	_, err := bus.Publish(ctx, first)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, second)
	require.NoError(t, err)

	t.Run("window covers both", func(t *testing.T) {
		events, err := bus.ReplayEvents(ctx, domain.EventGradingCompleted,
			first.Metadata.Timestamp.Add(-time.Minute),
			second.Metadata.Timestamp.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("window excludes the later event", func(t *testing.T) {
		events, err := bus.ReplayEvents(ctx, domain.EventGradingCompleted,
			first.Metadata.Timestamp.Add(-time.Minute),
			first.Metadata.Timestamp.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, first.Metadata.EventID, events[0].Metadata.EventID)
	})

	t.Run("replay does not redeliver", func(t *testing.T) {
		handler := &recordingHandler{name: "late", types: []domain.EventType{domain.EventGradingCompleted}}
		bus.RegisterHandler(handler)
		require.NoError(t, bus.StartConsuming("test-consumer"))

		_, err := bus.ReplayEvents(ctx, domain.EventGradingCompleted,
			first.Metadata.Timestamp.Add(-time.Minute),
			second.Metadata.Timestamp.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, handler.received())
	})
}

func TestInMemoryBusStreamInfo(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryBus(3)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, domain.NewEvent(domain.EventExamUpdated, nil, "test"))
		require.NoError(t, err)
	}

	info, err := bus.GetStreamInfo(ctx, domain.EventExamUpdated)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Length)
}
