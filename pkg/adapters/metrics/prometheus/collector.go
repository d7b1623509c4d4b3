package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	eventsPublished    *prometheus.CounterVec
	eventsConsumed     *prometheus.CounterVec
	eventsRetried      *prometheus.CounterVec
	eventsDeadLettered *prometheus.CounterVec
	deadLetterBacklog  prometheus.Gauge
	handlerDuration    *prometheus.HistogramVec

	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec

	connections *prometheus.GaugeVec
	pushDropped *prometheus.CounterVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_events_published_total",
				Help: "Total number of events published to the bus",
			},
			[]string{"event_type"},
		),
		eventsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_events_consumed_total",
				Help: "Total number of event deliveries processed",
			},
			[]string{"event_type", "status"},
		),
		eventsRetried: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_events_retried_total",
				Help: "Total number of events re-appended for retry",
			},
			[]string{"event_type"},
		),
		eventsDeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_events_dead_lettered_total",
				Help: "Total number of events that exhausted their retry budget",
			},
			[]string{"event_type"},
		),
		deadLetterBacklog: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "examhive_dead_letter_backlog",
				Help: "Current length of the dead-letter stream",
			},
		),
		handlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "examhive_event_handler_duration_seconds",
				Help:    "Event delivery duration across all interested handlers",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"event_type"},
		),
		tasksSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_tasks_submitted_total",
				Help: "Total number of tasks submitted",
			},
			[]string{"task_type", "priority"},
		),
		tasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_tasks_completed_total",
				Help: "Total number of task executions by final status",
			},
			[]string{"task_type", "status"},
		),
		tasksRetried: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_tasks_retried_total",
				Help: "Total number of task retries scheduled",
			},
			[]string{"task_type"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "examhive_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"task_type"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "examhive_queue_depth",
				Help: "Current depth of the task queues",
			},
			[]string{"queue"},
		),
		connections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "examhive_connections",
				Help: "Current number of live client connections by type",
			},
			[]string{"connection_type"},
		),
		pushDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "examhive_push_dropped_total",
				Help: "Total number of client pushes dropped under backpressure",
			},
			[]string{"connection_type"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "examhive_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "examhive_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "examhive_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordEventPublished increments the published counter for an event type.
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventConsumed records one processed delivery and its duration.
func (c *Collector) RecordEventConsumed(eventType, status string, duration time.Duration) {
	c.eventsConsumed.WithLabelValues(eventType, status).Inc()
	c.handlerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordEventRetried increments the retry counter for an event type.
func (c *Collector) RecordEventRetried(eventType string) {
	c.eventsRetried.WithLabelValues(eventType).Inc()
}

// RecordEventDeadLettered increments the dead-letter counter for an event type.
func (c *Collector) RecordEventDeadLettered(eventType string) {
	c.eventsDeadLettered.WithLabelValues(eventType).Inc()
}

// SetDeadLetterBacklog sets the current dead-letter stream length.
func (c *Collector) SetDeadLetterBacklog(n int64) {
	c.deadLetterBacklog.Set(float64(n))
}

// RecordTaskSubmitted increments the submission counter.
func (c *Collector) RecordTaskSubmitted(taskType, priority string) {
	c.tasksSubmitted.WithLabelValues(taskType, priority).Inc()
}

// RecordTaskCompleted records one finished execution and its duration.
func (c *Collector) RecordTaskCompleted(taskType, status string, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(taskType, status).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordTaskRetried increments the task retry counter.
func (c *Collector) RecordTaskRetried(taskType string) {
	c.tasksRetried.WithLabelValues(taskType).Inc()
}

// SetQueueDepth sets the current depth of one task queue.
func (c *Collector) SetQueueDepth(queue string, depth int64) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetConnections sets the live connection count for a connection type.
func (c *Collector) SetConnections(connType string, n int) {
	c.connections.WithLabelValues(connType).Set(float64(n))
}

// RecordPushDropped counts a client push dropped under backpressure.
func (c *Collector) RecordPushDropped(connType string) {
	c.pushDropped.WithLabelValues(connType).Inc()
}

// RecordWorkerPoolStatus records worker pool status.
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
