package scheduler

import "errors"

var (
	ErrStopped         = errors.New("scheduler stopped")
	ErrNilTask         = errors.New("nil task")
	ErrNotStarted      = errors.New("scheduler not started")
	ErrAlreadyQueued   = errors.New("task already queued")
	ErrDependencyCycle = errors.New("dependency cycle")
)
