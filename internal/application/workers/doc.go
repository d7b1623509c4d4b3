// Package workers implements the worker pool behind the async task queue.
//
// The pool manages a fixed number of goroutines that:
//   - Promote due delayed tasks into their priority queues
//   - Poll strictly high before normal before low
//   - Execute the registered handler under a hard per-task timeout
//   - Retry failures with capped exponential backoff, then fail permanently
//   - Publish task.completed / task.failed events onto the bus
//
// The health monitor tracks worker status, records metrics and publishes
// system.health events.
package workers
