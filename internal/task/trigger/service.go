package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasksched/pkg/logx"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(cfg Config, sub Submitter, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		sub:        sub,
		defs:       map[string]*scheduleDef{},
		lastReport: map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "trigger"))
	return s
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A timezone change rebuilds the cron runner; the
// startup spread only affects schedules armed afterwards.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !s.started || oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	old := s.c
	s.startCronLocked()
	for _, d := range s.defs {
		if d.kind == kindCron {
			_ = s.armLocked(d)
		}
	}
	loc := s.loc
	n := len(s.defs)
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", n))
}

// Start arms every registered schedule.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startCronLocked()
	var failed []string
	for name, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			failed = append(failed, name)
		}
	}
	loc, n := s.loc, len(s.defs)
	s.mu.Unlock()

	for _, name := range failed {
		s.log.Warn("schedule not armed", logx.String("name", name))
	}
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", n))
}

// Stop disarms every schedule: cron stops firing, timers are stopped and the
// periodic tasks of interval schedules are killed. Definitions remain and are
// armed again by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	var kill []int64
	for _, d := range s.defs {
		if id := s.disarmLocked(d); id != 0 {
			kill = append(kill, id)
		}
	}
	s.mu.Unlock()

	for _, id := range kill {
		s.sub.Kill(id)
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	s.c.Start()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
