// Package httpserver serves the observability endpoints of a run.
//
//   - GET /metrics: Prometheus exposition of the run registry
//   - GET /healthz: JSON liveness and progress summary
//
// Handlers run behind a RequestID, Recover and access-log middleware chain.
package httpserver
