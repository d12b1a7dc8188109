// Package logx configures tasksched's structured logging.
//
// The service uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (min-level + rate limiting) that forwards
//     important lines to a callback, e.g. the event bus
package logx
