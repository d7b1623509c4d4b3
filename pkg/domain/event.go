package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventVersion is the current event schema version.
const EventVersion = "1.0"

// EventType identifies a domain happening carried on the event bus.
// The set is closed: publishing an unknown type is rejected.
type EventType string

const (
	// Exam lifecycle
	EventExamCreated EventType = "exam.created"
	EventExamUpdated EventType = "exam.updated"
	EventExamDeleted EventType = "exam.deleted"

	// Answer sheet intake
	EventSheetUploaded EventType = "sheet.uploaded"

	// OCR lifecycle
	EventOCRStarted   EventType = "ocr.started"
	EventOCRCompleted EventType = "ocr.completed"
	EventOCRFailed    EventType = "ocr.failed"

	// Grading lifecycle
	EventGradingStarted   EventType = "grading.started"
	EventGradingCompleted EventType = "grading.completed"
	EventGradingFailed    EventType = "grading.failed"

	// Task queue results
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	// System
	EventSystemHealth EventType = "system.health"
)

var knownEventTypes = []EventType{
	EventExamCreated,
	EventExamUpdated,
	EventExamDeleted,
	EventSheetUploaded,
	EventOCRStarted,
	EventOCRCompleted,
	EventOCRFailed,
	EventGradingStarted,
	EventGradingCompleted,
	EventGradingFailed,
	EventTaskCompleted,
	EventTaskFailed,
	EventSystemHealth,
}

// KnownEventTypes returns the closed set of event types.
func KnownEventTypes() []EventType {
	types := make([]EventType, len(knownEventTypes))
	copy(types, knownEventTypes)
	return types
}

// Valid reports whether t is part of the closed event type set.
func (t EventType) Valid() bool {
	for _, known := range knownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventMetadata carries the identity and tracing fields of an event.
type EventMetadata struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceService string    `json:"source_service"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// Event is an immutable record of something that happened. Once published it
// is never mutated; retries and replays carry copies.
type Event struct {
	Type     EventType              `json:"type"`
	Data     map[string]interface{} `json:"data"`
	Metadata EventMetadata          `json:"metadata"`
	Version  string                 `json:"version"`
}

// EventOption customizes optional event metadata.
type EventOption func(*Event)

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) { e.Metadata.CorrelationID = id }
}

// WithUserID scopes the event to a user.
func WithUserID(id string) EventOption {
	return func(e *Event) { e.Metadata.UserID = id }
}

// WithTraceID sets the trace id.
func WithTraceID(id string) EventOption {
	return func(e *Event) { e.Metadata.TraceID = id }
}

// NewEvent creates an event with a fresh unique id and the current timestamp.
func NewEvent(t EventType, data map[string]interface{}, sourceService string, opts ...EventOption) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	e := &Event{
		Type: t,
		Data: data,
		Metadata: EventMetadata{
			EventID:       uuid.New().String(),
			Timestamp:     time.Now().UTC(),
			SourceService: sourceService,
		},
		Version: EventVersion,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ContextID returns the exam scoping value carried in the payload, if any.
// Both "exam_id" and the generic "context_id" keys are recognized.
func (e *Event) ContextID() string {
	for _, key := range []string{"exam_id", "context_id"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// PendingMessage describes an in-flight, unacknowledged bus entry.
type PendingMessage struct {
	Stream        string `json:"stream"`
	MessageID     string `json:"message_id"`
	Consumer      string `json:"consumer"`
	DeliveryCount int64  `json:"delivery_count"`
	IdleMS        int64  `json:"idle_ms"`
}

// StreamInfo summarizes one event type's append log.
type StreamInfo struct {
	Stream          string `json:"stream"`
	Length          int64  `json:"length"`
	Groups          int64  `json:"groups"`
	LastGeneratedID string `json:"last_generated_id"`
}

// DeadLetter is an event that exhausted its retry budget, tagged with where
// it came from and when it was given up on.
type DeadLetter struct {
	Event        *Event    `json:"event,omitempty"`
	Raw          string    `json:"raw,omitempty"`
	OriginStream string    `json:"origin_stream"`
	RetryCount   int       `json:"retry_count"`
	FailedAt     time.Time `json:"failed_at"`
}
