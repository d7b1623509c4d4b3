// Package bus provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, retry and dead-letter
//   - memory: In-memory for testing and single-process development
package bus
