// Package http provides the operational REST surface of the core: task
// submission and results for the business layer, stream/replay/dead-letter
// inspection and depth stats for dashboards.
package http
