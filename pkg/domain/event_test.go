package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("assigns identity and defaults", func(t *testing.T) {
		before := time.Now().UTC()
		event := NewEvent(EventExamCreated, map[string]interface{}{"exam_id": "e-1"}, "test-service")

		require.NotEmpty(t, event.Metadata.EventID)
		assert.Equal(t, EventExamCreated, event.Type)
		assert.Equal(t, "test-service", event.Metadata.SourceService)
		assert.Equal(t, EventVersion, event.Version)
		assert.False(t, event.Metadata.Timestamp.Before(before))
	})

	t.Run("unique ids", func(t *testing.T) {
		a := NewEvent(EventExamCreated, nil, "test-service")
		b := NewEvent(EventExamCreated, nil, "test-service")
		assert.NotEqual(t, a.Metadata.EventID, b.Metadata.EventID)
	})

	t.Run("nil data becomes empty map", func(t *testing.T) {
		event := NewEvent(EventSystemHealth, nil, "test-service")
		require.NotNil(t, event.Data)
		assert.Empty(t, event.Data)
	})

	t.Run("options", func(t *testing.T) {
		event := NewEvent(EventOCRCompleted, nil, "test-service",
			WithCorrelationID("corr-1"),
			WithUserID("user-1"),
			WithTraceID("trace-1"))

		assert.Equal(t, "corr-1", event.Metadata.CorrelationID)
		assert.Equal(t, "user-1", event.Metadata.UserID)
		assert.Equal(t, "trace-1", event.Metadata.TraceID)
	})
}

func TestEventTypeValid(t *testing.T) {
	for _, known := range KnownEventTypes() {
		assert.True(t, known.Valid(), string(known))
	}
	assert.False(t, EventType("exam.exploded").Valid())
	assert.False(t, EventType("").Valid())
}

func TestEventContextID(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		want string
	}{
		{"exam_id", map[string]interface{}{"exam_id": "e-1"}, "e-1"},
		{"context_id", map[string]interface{}{"context_id": "c-1"}, "c-1"},
		{"exam_id wins", map[string]interface{}{"exam_id": "e-1", "context_id": "c-1"}, "e-1"},
		{"non-string ignored", map[string]interface{}{"exam_id": 42}, ""},
		{"absent", map[string]interface{}{"other": "x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewEvent(EventExamUpdated, tt.data, "test-service")
			assert.Equal(t, tt.want, event.ContextID())
		})
	}
}
