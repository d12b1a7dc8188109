package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/task"
	"tasksched/internal/task/scheduler"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []*task.Task
	killed    []int64
	pending   map[int64]bool
	err       error
}

func (f *fakeSubmitter) Submit(t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, t)
	return nil
}

func (f *fakeSubmitter) Kill(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return true
}

func (f *fakeSubmitter) Pending(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[id]
}

func (f *fakeSubmitter) setPending(id int64, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[int64]bool)
	}
	f.pending[id] = v
}

func (f *fakeSubmitter) tasks() []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*task.Task(nil), f.submitted...)
}

func (f *fakeSubmitter) kills() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.killed...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noop(context.Context) error { return nil }

func newService(t *testing.T, sub Submitter) *Service {
	t.Helper()
	s := New(Config{}, sub)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newService(t, &fakeSubmitter{})

	if err := s.AddInterval(Job{Run: noop}, time.Second); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("missing name = %v", err)
	}
	if err := s.AddInterval(Job{Name: "x"}, time.Second); !errors.Is(err, ErrNoRun) {
		t.Fatalf("missing run = %v", err)
	}
	if err := s.AddInterval(Job{Name: "x", Run: noop}, time.Microsecond); err == nil {
		t.Fatalf("accepted an interval below the minimum period")
	}
	if err := s.AddCron(Job{Name: "x", Run: noop}, "not cron"); err == nil {
		t.Fatalf("accepted an invalid cron spec")
	}
	if err := s.AddDaily(Job{Name: "x", Run: noop}, "25:00"); err == nil {
		t.Fatalf("accepted an invalid time of day")
	}
	if err := s.Add(Job{Name: "x", Run: noop}, "bogus"); err == nil {
		t.Fatalf("accepted an invalid schedule")
	}
	if len(s.Names()) != 0 {
		t.Fatalf("invalid registrations were kept: %v", s.Names())
	}
}

func TestIntervalArmsPeriodicTaskOnStart(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)

	if err := s.Add(Job{Name: "heartbeat", Run: noop, Background: true}, "@every 1m"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(sub.tasks()) != 0 {
		t.Fatalf("task submitted before Start")
	}

	s.Start(context.Background())
	ts := sub.tasks()
	if len(ts) != 1 {
		t.Fatalf("submitted %d tasks", len(ts))
	}
	p := ts[0]
	if p.Kind() != task.Periodic || p.Name() != "heartbeat" || p.Period() != time.Minute || !p.AllowBackground() {
		t.Fatalf("periodic task = %v period=%v bg=%v", p, p.Period(), p.AllowBackground())
	}
	if !p.Due(time.Now()) {
		t.Fatalf("without a startup spread the task should be due at once")
	}

	if err := s.AddInterval(Job{Name: "heartbeat", Run: noop}, time.Hour); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if k := sub.kills(); len(k) != 1 || k[0] != p.ID() {
		t.Fatalf("replacing a schedule killed %v, want [%d]", k, p.ID())
	}

	replacement := sub.tasks()[1]
	if !s.Remove("heartbeat") {
		t.Fatalf("Remove found nothing")
	}
	if k := sub.kills(); len(k) != 2 || k[1] != replacement.ID() {
		t.Fatalf("kills after remove = %v", k)
	}
	if s.Remove("heartbeat") {
		t.Fatalf("second Remove reported success")
	}
}

func TestStartupSpreadDelaysFirstFiring(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := New(Config{StartupSpread: time.Hour}, sub)
	defer s.Stop(context.Background())
	s.Start(context.Background())

	if err := s.AddInterval(Job{Name: "spread", Run: noop}, time.Minute); err != nil {
		t.Fatalf("add: %v", err)
	}
	p := sub.tasks()[0]
	next := p.NextRunIn(time.Now())
	if next < -time.Second || next > time.Minute {
		t.Fatalf("first firing in %v, want within one period", next)
	}
	if info := s.Snapshot().Schedules[0]; info.Spread >= time.Minute || info.TaskID != p.ID() {
		t.Fatalf("snapshot = %+v", info)
	}
}

func TestOnceFiresAndForgets(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.AddInterval(Job{Name: "base", Run: noop}, time.Hour); err != nil {
		t.Fatalf("add base: %v", err)
	}
	base := sub.tasks()[0]

	if err := s.AddOnce(Job{Name: "later", Run: noop, DependsOn: "base"}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("add once: %v", err)
	}
	waitFor(t, "one-time firing", func() bool { return len(sub.tasks()) == 2 })

	once := sub.tasks()[1]
	if once.Kind() != task.OneShot || once.Name() != "later" {
		t.Fatalf("one-time task = %v", once)
	}
	if !once.Waiting() || once.WaitingFor() != base.ID() {
		t.Fatalf("dependency not wired: waiting=%v for=%d", once.Waiting(), once.WaitingFor())
	}
	for _, n := range s.Names() {
		if n == "later" {
			t.Fatalf("fired one-time schedule still registered")
		}
	}
}

func TestOnceRemovedBeforeFiring(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.AddOnce(Job{Name: "soon", Run: noop}, time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Remove("soon")
	time.Sleep(100 * time.Millisecond)
	if len(sub.tasks()) != 0 {
		t.Fatalf("removed one-time schedule fired")
	}
}

func TestCronSubmitsOneShotPerFiring(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.Add(Job{Name: "tick", Run: noop}, "* * * * * *"); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "cron firing", func() bool { return len(sub.tasks()) >= 1 })
	first := sub.tasks()[0]
	if first.Kind() != task.OneShot || first.Name() != "tick" {
		t.Fatalf("cron task = %v", first)
	}
	info := s.Snapshot().Schedules[0]
	if info.Kind != "cron" || info.Next.IsZero() {
		t.Fatalf("snapshot = %+v", info)
	}

	s.Remove("tick")
	n := len(sub.tasks())
	time.Sleep(1200 * time.Millisecond)
	if len(sub.tasks()) != n {
		t.Fatalf("removed cron schedule kept firing")
	}
}

func TestCronFiringSkippedWhileRunning(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.AddCron(Job{Name: "slow", Run: noop}, "@yearly"); err != nil {
		t.Fatalf("add: %v", err)
	}
	release := make(chan struct{})
	busy := task.New(0, func(context.Context, *task.Task) (*task.Result, error) {
		<-release
		return nil, nil
	})
	go busy.Execute(context.Background(), nil)
	waitFor(t, "busy task running", busy.Running)

	s.mu.Lock()
	d := s.defs["slow"]
	d.current = busy
	s.mu.Unlock()

	s.fire(d)
	if len(sub.tasks()) != 0 {
		t.Fatalf("firing submitted while the previous run is active")
	}
	if info := s.Snapshot().Schedules[0]; info.Skips != 1 {
		t.Fatalf("skips = %d", info.Skips)
	}

	close(release)
	waitFor(t, "busy task done", func() bool { return !busy.Running() })
	s.fire(d)
	if len(sub.tasks()) != 1 {
		t.Fatalf("firing not submitted after the previous run finished")
	}
}

func TestCronFiringSkippedWhileQueued(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.AddCron(Job{Name: "queued", Run: noop}, "@yearly"); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.mu.Lock()
	d := s.defs["queued"]
	s.mu.Unlock()

	s.fire(d)
	first := sub.tasks()
	if len(first) != 1 {
		t.Fatalf("first firing submitted %d tasks", len(first))
	}
	sub.setPending(first[0].ID(), true)

	s.fire(d)
	s.fire(d)
	if n := len(sub.tasks()); n != 1 {
		t.Fatalf("firings piled up behind a queued run: %d submitted", n)
	}
	if info := s.Snapshot().Schedules[0]; info.Skips != 2 {
		t.Fatalf("skips = %d", info.Skips)
	}

	sub.setPending(first[0].ID(), false)
	s.fire(d)
	if n := len(sub.tasks()); n != 2 {
		t.Fatalf("firing not submitted once the queued run drained: %d", n)
	}
}

func TestStopKillsAndStartRearms(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := newService(t, sub)
	if err := s.AddInterval(Job{Name: "p", Run: noop}, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	first := sub.tasks()[0]

	s.Stop(context.Background())
	if k := sub.kills(); len(k) != 1 || k[0] != first.ID() {
		t.Fatalf("kills after stop = %v", k)
	}
	if s.Snapshot().Started {
		t.Fatalf("snapshot reports started after Stop")
	}

	s.Start(context.Background())
	ts := sub.tasks()
	if len(ts) != 2 || ts[1] == first {
		t.Fatalf("Start did not re-arm with a fresh task")
	}
}

func TestSubmitErrorsAreReported(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{err: scheduler.ErrStopped}
	s := newService(t, sub)
	s.Start(context.Background())

	if err := s.AddInterval(Job{Name: "p", Run: noop}, time.Hour); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("arm error = %v", err)
	}
}

func TestTimezoneChangeRebuildsCron(t *testing.T) {
	t.Parallel()
	s := newService(t, &fakeSubmitter{})
	s.Start(context.Background())
	if err := s.AddDaily(Job{Name: "daily", Run: noop}, "03:00"); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Apply(Config{Timezone: "UTC"})

	snap := s.Snapshot()
	if snap.Timezone != "UTC" {
		t.Fatalf("timezone = %s", snap.Timezone)
	}
	next := snap.Schedules[0].Next
	if next.IsZero() || next.In(time.UTC).Hour() != 3 {
		t.Fatalf("daily schedule next = %v", next)
	}
}

func TestIntervalRunsOnScheduler(t *testing.T) {
	t.Parallel()
	sch := scheduler.New(scheduler.Config{MaxWorkers: 2, WorkerIdleTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sch.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer sch.Stop(context.Background())

	s := newService(t, sch)
	s.Start(ctx)

	var runs atomic.Int32
	if err := s.AddInterval(Job{Name: "count", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}, 20*time.Millisecond); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddInterval(Job{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}, time.Hour); err != nil {
		t.Fatalf("add slow: %v", err)
	}

	waitFor(t, "repeated firing", func() bool { return runs.Load() >= 3 })
	waitFor(t, "timed out run recorded", func() bool {
		for _, r := range sch.History() {
			if r.Code() == task.CodeErrorInBody {
				return true
			}
		}
		return false
	})
	if info := s.Snapshot().Schedules[0]; info.Name != "count" || info.Fires < 3 {
		t.Fatalf("snapshot = %+v", info)
	}

	s.Stop(context.Background())
	waitFor(t, "periodic tasks removed", func() bool { return len(sch.Snapshot().Periodic) == 0 })
	time.Sleep(30 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != settled {
		t.Fatalf("interval kept firing after Stop")
	}
}
