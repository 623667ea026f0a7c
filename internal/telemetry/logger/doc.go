// Package logger provides structured logging for feedcheck.
//
// This package wraps log/slog:
//
//   - logger.go: Logger interface, handler setup and dynamic level
//   - context.go: Context-aware logging with run and client IDs
//   - attr.go: Rendering of byte-string keys and values
//
// Features:
//
//   - JSON and text output formats
//   - Log level filtering, adjustable at runtime
//   - Byte slices rendered in escaped printable form, long values truncated
//   - Context propagation for per-run fields
package logger
