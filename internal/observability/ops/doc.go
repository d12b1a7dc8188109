// Package ops serves the operator HTTP endpoints: /healthz, /snapshot,
// /journal, /metrics and /debug/pprof. It is optional and restarts itself
// under a supervisor when the listener fails.
package ops
