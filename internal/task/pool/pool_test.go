package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/task"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type collector struct {
	mu      sync.Mutex
	results []task.Result
	stops   map[int64]int
	dropped []int64
}

func newCollector() *collector { return &collector{stops: map[int64]int{}} }

func (c *collector) handlers() Handlers {
	return Handlers{
		Result: func(_ *Worker, _ *task.Task, r task.Result) {
			c.mu.Lock()
			c.results = append(c.results, r)
			c.mu.Unlock()
		},
		Stopped: func(w *Worker, _ StopReason) {
			c.mu.Lock()
			c.stops[w.ID()]++
			c.mu.Unlock()
		},
		Dropped: func(_ *Worker, t *task.Task) {
			c.mu.Lock()
			c.dropped = append(c.dropped, t.ID())
			c.mu.Unlock()
		},
	}
}

func (c *collector) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func newTestPool(t *testing.T, cfg Config, c *collector) *Pool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, cfg, WithHandlers(c.handlers()))
}

func blockingTask(release <-chan struct{}) *task.Task {
	return task.New(0, func(context.Context, *task.Task) (*task.Result, error) {
		<-release
		return nil, nil
	})
}

func TestAcquireRespectsLimit(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 2, IdleTimeout: time.Minute}, c)

	release := make(chan struct{})
	for i := range 2 {
		w := p.Acquire()
		if w == nil {
			t.Fatalf("acquire %d returned nil under the limit", i)
		}
		if !w.Assign(blockingTask(release)) {
			t.Fatalf("assign to fresh worker failed")
		}
	}
	if w := p.Acquire(); w != nil {
		t.Fatalf("acquire beyond limit returned worker %d", w.ID())
	}
	if got := p.Live(); got != 2 {
		t.Fatalf("live = %d, want 2", got)
	}

	close(release)
	waitFor(t, "both results", func() bool { return c.resultCount() == 2 })
	waitFor(t, "workers idle", func() bool { return p.Stats().Idle == 2 })

	w := p.Acquire()
	if w == nil {
		t.Fatalf("no idle worker recycled")
	}
	if p.Stats().Started != 2 {
		t.Fatalf("recycling started a new worker: %+v", p.Stats())
	}
}

func TestStatsReportsRunningTasks(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 1, IdleTimeout: time.Minute}, c)

	release := make(chan struct{})
	tk := blockingTask(release)
	w := p.Acquire()
	if w == nil || !w.Assign(tk) {
		t.Fatalf("could not place task on a worker")
	}
	waitFor(t, "task running", tk.Running)
	if got := w.Current(); got != tk.ID() {
		t.Fatalf("current = %d, want %d", got, tk.ID())
	}
	if got := p.Stats().Running[w.ID()]; got != tk.ID() {
		t.Fatalf("stats running = %v", p.Stats().Running)
	}

	close(release)
	waitFor(t, "result", func() bool { return c.resultCount() == 1 })
	if got := w.Current(); got != 0 {
		t.Fatalf("current after finish = %d", got)
	}
	if r := p.Stats().Running; len(r) != 0 {
		t.Fatalf("stats running after finish = %v", r)
	}
}

func TestConcurrentAcquireNeverExceedsMax(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 3, IdleTimeout: time.Minute}, c)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	release := make(chan struct{})
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w := p.Acquire(); w != nil {
				granted.Add(1)
				w.Assign(blockingTask(release))
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 3 {
		t.Fatalf("granted %d workers, want 3", granted.Load())
	}
	if st := p.Stats(); st.PeakLive > 3 {
		t.Fatalf("peak live %d exceeds max", st.PeakLive)
	}
	close(release)
}

func TestIdleWorkerRetiresExactlyOnce(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 2, IdleTimeout: 40 * time.Millisecond}, c)

	w := p.Acquire()
	w.Assign(task.New(0, nil))
	waitFor(t, "result", func() bool { return c.resultCount() == 1 })
	waitFor(t, "retirement", func() bool { return p.Live() == 0 })

	time.Sleep(100 * time.Millisecond)
	c.mu.Lock()
	stops := c.stops[w.ID()]
	c.mu.Unlock()
	if stops != 1 {
		t.Fatalf("stop callback ran %d times, want 1", stops)
	}
	if st := p.Stats(); st.Live != 0 || st.Idle != 0 || st.Retired != 1 {
		t.Fatalf("unexpected stats after retirement: %+v", st)
	}
	if w.Assign(task.New(0, nil)) {
		t.Fatalf("retired worker accepted a task")
	}
	w.Stop()
	if p.Live() != 0 {
		t.Fatalf("stopping a retired worker changed live count")
	}
}

func TestZeroIdleTimeoutNeverRetires(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 1}, c)
	p.Acquire().Assign(task.New(0, nil))
	waitFor(t, "idle", func() bool { return p.Stats().Idle == 1 })
	time.Sleep(50 * time.Millisecond)
	if p.Live() != 1 {
		t.Fatalf("worker retired with zero idle timeout")
	}
}

func TestTemporalModeStopsIdleAndFinishedWorkers(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 3, IdleTimeout: time.Minute}, c)

	release := make(chan struct{})
	busy := p.Acquire()
	busy.Assign(blockingTask(release))
	spare := []*Worker{p.Acquire(), p.Acquire()}
	for _, w := range spare {
		w.Assign(task.New(0, nil))
	}
	waitFor(t, "two idle", func() bool { return p.Stats().Idle == 2 })

	p.SetTemporal(true)
	waitFor(t, "idle workers stopped", func() bool { return p.Live() == 1 })
	if p.Stats().Idle != 0 {
		t.Fatalf("idle set not emptied")
	}

	close(release)
	waitFor(t, "busy worker stopped after finishing", func() bool { return p.Live() == 0 })
	if !busy.Stopped() {
		t.Fatalf("finished worker returned to the pool in temporal mode")
	}

	p.SetTemporal(false)
	p.Acquire().Assign(task.New(0, nil))
	waitFor(t, "recycled", func() bool { return p.Stats().Idle == 1 })
}

func TestSetMaxWorkersShrinks(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 3, IdleTimeout: time.Minute}, c)

	release := make(chan struct{})
	busy := p.Acquire()
	busy.Assign(blockingTask(release))
	spare := []*Worker{p.Acquire(), p.Acquire()}
	for _, w := range spare {
		w.Assign(task.New(0, nil))
	}
	waitFor(t, "two idle", func() bool { return p.Stats().Idle == 2 })

	p.SetMaxWorkers(1)
	waitFor(t, "idle surplus stopped", func() bool { return p.Live() == 1 })
	if w := p.Acquire(); w != nil {
		t.Fatalf("acquire succeeded at the lowered limit")
	}

	close(release)
	waitFor(t, "busy worker recycled", func() bool { return p.Stats().Idle == 1 })
	if busy.Stopped() {
		t.Fatalf("worker within the new limit was stopped")
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 1, IdleTimeout: time.Minute}, c)

	release := make(chan struct{})
	w := p.Acquire()
	w.Assign(blockingTask(release))
	queued := task.New(0, nil)
	w.Assign(queued)
	waitFor(t, "first task running", func() bool { return w.Pending() == 1 })

	w.Stop()
	close(release)
	waitFor(t, "in-flight result", func() bool { return c.resultCount() == 1 })

	c.mu.Lock()
	dropped := append([]int64(nil), c.dropped...)
	c.mu.Unlock()
	if len(dropped) != 1 || dropped[0] != queued.ID() {
		t.Fatalf("dropped = %v, want [%d]", dropped, queued.ID())
	}
	if st := p.Stats(); st.Dropped != 1 || st.Live != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestWorkerConvertsEscapedPanic(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 1, IdleTimeout: time.Minute}, c)

	tk := task.New(0, nil, task.WithOnFinish(func(*task.Task, task.Result) { panic("finish hook") }))
	p.Acquire().Assign(tk)
	waitFor(t, "result", func() bool { return c.resultCount() == 1 })

	c.mu.Lock()
	r := c.results[0]
	c.mu.Unlock()
	if r.Code() != task.CodeErrorException || r.TaskID() != tk.ID() {
		t.Fatalf("got %s, want error_exception for task %d", r, tk.ID())
	}
	waitFor(t, "worker recycled", func() bool { return p.Stats().Idle == 1 })
}

func TestSetIdleTimeoutAppliesToIdleWorkers(t *testing.T) {
	t.Parallel()

	c := newCollector()
	p := newTestPool(t, Config{MaxWorkers: 1, IdleTimeout: time.Hour}, c)
	p.Acquire().Assign(task.New(0, nil))
	waitFor(t, "idle", func() bool { return p.Stats().Idle == 1 })

	p.SetIdleTimeout(20 * time.Millisecond)
	waitFor(t, "retired after timeout change", func() bool { return p.Live() == 0 })
}

func TestCanceledContextStopsWorkers(t *testing.T) {
	t.Parallel()

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, Config{MaxWorkers: 2, IdleTimeout: time.Hour}, WithHandlers(c.handlers()))
	p.Acquire().Assign(task.New(0, nil))
	waitFor(t, "idle", func() bool { return p.Stats().Idle == 1 })

	cancel()
	waitFor(t, "worker stopped", func() bool { return p.Live() == 0 })
}
