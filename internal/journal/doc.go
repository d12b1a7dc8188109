// Package journal is an append-only record of task results.
//
// The scheduler's History lives in memory only; the journal keeps a durable
// copy for operators. It is never read back into History.
//
// Drivers:
//   - file: JSON Lines, one result per line
//   - sqlite: a single results table (modernc.org/sqlite, no cgo)
package journal
