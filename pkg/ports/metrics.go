package ports

import "time"

// MetricsCollector records operational metrics for the bus, the task queue
// and the fan-out layer.
type MetricsCollector interface {
	RecordEventPublished(eventType string)
	RecordEventConsumed(eventType, status string, duration time.Duration)
	RecordEventRetried(eventType string)
	RecordEventDeadLettered(eventType string)
	SetDeadLetterBacklog(n int64)

	RecordTaskSubmitted(taskType, priority string)
	RecordTaskCompleted(taskType, status string, duration time.Duration)
	RecordTaskRetried(taskType string)
	SetQueueDepth(queue string, depth int64)

	SetConnections(connType string, n int)
	RecordPushDropped(connType string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// NopMetrics discards all measurements. Used in tests and as a default.
type NopMetrics struct{}

func (NopMetrics) RecordEventPublished(string)                       {}
func (NopMetrics) RecordEventConsumed(string, string, time.Duration) {}
func (NopMetrics) RecordEventRetried(string)                         {}
func (NopMetrics) RecordEventDeadLettered(string)                    {}
func (NopMetrics) SetDeadLetterBacklog(int64)                        {}
func (NopMetrics) RecordTaskSubmitted(string, string)                {}
func (NopMetrics) RecordTaskCompleted(string, string, time.Duration) {}
func (NopMetrics) RecordTaskRetried(string)                          {}
func (NopMetrics) SetQueueDepth(string, int64)                       {}
func (NopMetrics) SetConnections(string, int)                        {}
func (NopMetrics) RecordPushDropped(string)                          {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)              {}
