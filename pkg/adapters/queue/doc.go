// Package queue provides task store implementations.
//
// Implementations:
//   - redis: priority lists, delayed ZSET, TTL results, failed list
//   - memory: In-memory for testing
package queue
