package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

var (
	ErrNameRequired = errors.New("trigger: name required")
	ErrNoRun        = errors.New("trigger: run func required")
)

// Add parses schedule and registers either a cron or an interval schedule.
// Registering a name again replaces the previous schedule.
func (s *Service) Add(job Job, schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(job, ps.Every)
	}
	return s.AddCron(job, ps.Cron)
}

// AddCron submits a fresh one-shot task every time spec fires. A firing is
// skipped while the previous one is still running.
func (s *Service) AddCron(job Job, spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}
	return s.register(job, &scheduleDef{kind: kindCron, spec: spec})
}

// AddInterval registers a periodic task firing every period.
func (s *Service) AddInterval(job Job, every time.Duration) error {
	if every < task.MinPeriod {
		return fmt.Errorf("interval %s below %s", every, task.MinPeriod)
	}
	return s.register(job, &scheduleDef{kind: kindInterval, spec: every.String(), every: every})
}

// AddOnce submits a single task at at (immediately when at is in the past).
func (s *Service) AddOnce(job Job, at time.Time) error {
	if at.IsZero() {
		return errors.New("trigger: at required")
	}
	return s.register(job, &scheduleDef{kind: kindOnce, spec: at.Format(time.RFC3339), at: at})
}

// AddDaily fires every day at HH:MM in the service timezone.
func (s *Service) AddDaily(job Job, atHHMM string) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(job, fmt.Sprintf("%d %d * * *", m, h))
}

// AddWeekly fires every week on weekday at HH:MM in the service timezone.
func (s *Service) AddWeekly(job Job, weekday time.Weekday, atHHMM string) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(job, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)))
}

func (s *Service) register(job Job, d *scheduleDef) error {
	job.Name = strings.TrimSpace(job.Name)
	job.DependsOn = strings.TrimSpace(job.DependsOn)
	if job.Name == "" {
		return ErrNameRequired
	}
	if job.Run == nil {
		return fmt.Errorf("%s: %w", job.Name, ErrNoRun)
	}
	d.job = job

	s.mu.Lock()
	var kill int64
	if old := s.defs[job.Name]; old != nil {
		kill = s.disarmLocked(old)
	}
	s.defs[job.Name] = d
	var err error
	if s.started {
		err = s.armLocked(d)
	}
	s.mu.Unlock()

	if kill != 0 {
		s.sub.Kill(kill)
	}
	if err != nil {
		return fmt.Errorf("arm %s: %w", job.Name, err)
	}
	s.log.Debug("schedule registered",
		logx.String("name", job.Name),
		logx.String("kind", string(d.kind)),
		logx.String("spec", d.spec),
		logx.Duration("timeout", job.Timeout),
	)
	return nil
}

// Remove unschedules name. A running firing is not interrupted.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	d := s.defs[name]
	if d == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.defs, name)
	kill := s.disarmLocked(d)
	s.mu.Unlock()

	if kill != 0 {
		s.sub.Kill(kill)
	}
	s.log.Debug("schedule removed", logx.String("name", name))
	return true
}

// Names lists the registered schedules.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	return out
}

func (s *Service) armLocked(d *scheduleDef) error {
	switch d.kind {
	case kindCron:
		id, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
		if err != nil {
			return err
		}
		d.entryID = id
	case kindInterval:
		now := time.Now()
		d.spread = startupSpread(d.every, s.cfg.StartupSpread, d.job.Name)
		t := task.NewPeriodic(0, d.every, s.runFunc(d), append(s.taskOptionsLocked(d),
			task.WithLastRunAt(seedLastRun(now, d.every, d.spread)),
		)...)
		if err := s.sub.Submit(t); err != nil {
			return err
		}
		d.current = t
	case kindOnce:
		d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() { s.fire(d) })
	}
	return nil
}

// disarmLocked stops d firing and returns the id of a periodic task the caller
// must kill once the lock is released.
func (s *Service) disarmLocked(d *scheduleDef) int64 {
	if d.entryID != 0 && s.c != nil {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.kind == kindInterval && d.current != nil {
		id := d.current.ID()
		d.current = nil
		return id
	}
	return 0
}

func (s *Service) taskOptionsLocked(d *scheduleDef) []task.Option {
	opts := []task.Option{
		task.WithName(d.job.Name),
		task.WithBackground(d.job.Background),
	}
	if dep := s.defs[d.job.DependsOn]; dep != nil && dep != d && dep.current != nil {
		opts = append(opts, task.DependsOn(dep.current.ID()))
	}
	return opts
}

// fire submits one firing of a cron or one-time schedule.
func (s *Service) fire(d *scheduleDef) {
	s.mu.Lock()
	if !s.started || s.defs[d.job.Name] != d {
		s.mu.Unlock()
		return
	}
	if prev := d.current; prev != nil && (prev.Running() || s.sub.Pending(prev.ID())) {
		d.skips++
		s.mu.Unlock()
		s.log.Debug("schedule firing skipped; previous run still pending", logx.String("schedule", d.job.Name))
		return
	}
	t := task.New(0, s.runFunc(d), s.taskOptionsLocked(d)...)
	d.current = t
	if d.kind == kindOnce {
		d.timer = nil
		delete(s.defs, d.job.Name)
	}
	s.mu.Unlock()

	if err := s.sub.Submit(t); err != nil {
		s.reportSubmitError(d.job.Name, err)
	}
}

func (s *Service) runFunc(d *scheduleDef) task.RunFunc {
	job := d.job
	return func(ctx context.Context, t *task.Task) (*task.Result, error) {
		s.mu.Lock()
		d.fires++
		s.mu.Unlock()

		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		if err := job.Run(ctx); err != nil {
			return nil, err
		}
		r := task.OK(t.ID(), nil)
		return &r, nil
	}
}
