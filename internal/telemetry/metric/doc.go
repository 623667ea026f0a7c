// Package metric provides Prometheus metrics for feedcheck.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: Collector for store statistics read at scrape time
//
// Metrics include:
//
//   - Verification cycles, mismatches and cycle latency
//   - Store operation retries and pop failures
//   - Workload commits and injected faults
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
