// Package domain defines the wire-level types shared by the event bus, the
// task queue and the realtime fan-out layer: events and their closed type set,
// tasks with priorities and retry budgets, task results, and the envelopes
// pushed to live client connections.
package domain
