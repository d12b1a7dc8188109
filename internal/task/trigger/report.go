package trigger

import (
	"errors"
	"time"

	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	// Rejections while shutting down are expected.
	if errors.Is(err, scheduler.ErrStopped) {
		s.log.Debug("schedule firing rejected", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.repMu.Lock()
	last := s.lastReport[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.repMu.Unlock()
		return
	}
	s.lastReport[name] = now
	s.repMu.Unlock()

	s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Err(err))
}
