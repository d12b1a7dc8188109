package scheduler

import (
	"context"
	"sync"
)

var (
	defaultOnce sync.Once
	defaultSch  *Scheduler
)

// Default returns a process-wide scheduler built with DefaultConfig and
// started on first use. Code that needs its own settings should call New.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSch = New(DefaultConfig())
		_ = defaultSch.Start(context.Background())
	})
	return defaultSch
}
