// Package task defines the schedulable unit of work and its result.
//
// A Task carries a body and optional hooks set through options:
//
//   - CheckFunc runs first and may defer the task with SetTaskIDToWait.
//   - RunFunc is the body.
//   - FinishFunc runs after a successful body.
//   - KillFunc runs after a failed check or body.
//
// Execute drives that sequence and always returns a Result. Results are
// immutable values; codes form a closed set.
package task
