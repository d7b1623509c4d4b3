package domain

import "time"

// ConnectionType classifies a live client connection and determines its
// default subscription set.
type ConnectionType string

const (
	// ConnectionWorkspace follows one exam: lifecycle, OCR, grading and task
	// result events scoped to the exam id it connected with.
	ConnectionWorkspace ConnectionType = "workspace"

	// ConnectionMonitor observes system health and processing activity,
	// unscoped.
	ConnectionMonitor ConnectionType = "monitor"

	// ConnectionDashboard follows result events for a single user.
	ConnectionDashboard ConnectionType = "dashboard"
)

// Valid reports whether t is a known connection type.
func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionWorkspace, ConnectionMonitor, ConnectionDashboard:
		return true
	}
	return false
}

// Envelope is the generic message pushed to a client connection.
type Envelope struct {
	Type         string                 `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	ConnectionID string                 `json:"connection_id"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// EventPush is the envelope used for bus-derived pushes.
type EventPush struct {
	Type          string                 `json:"type"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventMetadata EventMetadata          `json:"event_metadata"`
	Timestamp     time.Time              `json:"timestamp"`
	ConnectionID  string                 `json:"connection_id"`
}

// NewEnvelope creates a generic push envelope stamped with the current time.
func NewEnvelope(msgType, connectionID string, data map[string]interface{}) Envelope {
	return Envelope{
		Type:         msgType,
		Timestamp:    time.Now().UTC(),
		ConnectionID: connectionID,
		Data:         data,
	}
}

// NewEventPush wraps a bus event for delivery to one connection.
func NewEventPush(event *Event, connectionID string) EventPush {
	return EventPush{
		Type:          "event",
		EventType:     event.Type,
		EventData:     event.Data,
		EventMetadata: event.Metadata,
		Timestamp:     time.Now().UTC(),
		ConnectionID:  connectionID,
	}
}

// ConnectionStats exposes live connection counts for dashboards.
type ConnectionStats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}
