package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gammazero/toposort"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// Submit queues t: one-shot tasks go to the back of the sync queue, periodic
// tasks join the periodic set. Outcomes are observed through History and the
// task's hooks.
func (s *Scheduler) Submit(t *task.Task) error {
	if t == nil {
		return ErrNilTask
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("submit %s: %w", t.Name(), ErrStopped)
	}
	if s.trackedLocked(t) {
		s.mu.Unlock()
		return fmt.Errorf("submit %s: %w", t.Name(), ErrAlreadyQueued)
	}
	if t.Kind() == task.Periodic {
		s.periodic = append(s.periodic, t)
	} else {
		s.syncQ = append(s.syncQ, t)
	}
	s.mu.Unlock()
	s.signal()

	s.metrics.Submitted(t.Kind().String())
	s.log.Debug("task submitted", logx.Int64("task", t.ID()), logx.String("name", t.Name()), logx.String("kind", t.Kind().String()))
	return nil
}

func (s *Scheduler) trackedLocked(t *task.Task) bool {
	if _, ok := s.inflight[t]; ok && t.Kind() == task.OneShot {
		return true
	}
	return slices.Contains(s.syncQ, t) || slices.Contains(s.periodic, t)
}

// SubmitBatch submits tasks so that every task declaring a dependency on
// another member of the batch (via WaitFor or DependsOn) is queued after it.
// A dependency cycle rejects the whole batch.
func (s *Scheduler) SubmitBatch(ts ...*task.Task) error {
	byID := make(map[int64]*task.Task, len(ts))
	for _, t := range ts {
		if t == nil {
			return fmt.Errorf("submit batch: %w", ErrNilTask)
		}
		if _, dup := byID[t.ID()]; dup {
			return fmt.Errorf("submit batch: duplicate task id %d", t.ID())
		}
		byID[t.ID()] = t
	}

	edges := make([]toposort.Edge, 0, len(ts))
	for _, t := range ts {
		dep := t.WaitingFor()
		if !t.Waiting() || dep == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID()})
			continue
		}
		if dep == t.ID() {
			return fmt.Errorf("submit batch: task %d waits for itself: %w", dep, ErrDependencyCycle)
		}
		if _, inBatch := byID[dep]; inBatch {
			edges = append(edges, toposort.Edge{dep, t.ID()})
		} else {
			edges = append(edges, toposort.Edge{nil, t.ID()})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("submit batch: %w: %v", ErrDependencyCycle, err)
	}

	for _, v := range sorted {
		id, ok := v.(int64)
		if !ok {
			continue
		}
		if err := s.Submit(byID[id]); err != nil {
			return err
		}
	}
	return nil
}

// Sleep enters background mode: the sync queue is held and only periodic
// tasks allowing background execution fire.
func (s *Scheduler) Sleep() { s.setBackground(true) }

// WakeUp leaves background mode.
func (s *Scheduler) WakeUp() { s.setBackground(false) }

func (s *Scheduler) setBackground(on bool) {
	s.mu.Lock()
	changed := s.background != on
	s.background = on
	s.cfg.Background = on
	s.mu.Unlock()
	s.signal()
	s.metrics.Background(on)
	if changed {
		s.log.Info("background mode changed", logx.Bool("background", on))
	}
}

func (s *Scheduler) Background() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// SetMaxConcurrency bounds the number of task bodies running at once.
func (s *Scheduler) SetMaxConcurrency(n int) {
	if n <= 0 {
		n = DefaultConfig().MaxWorkers
	}
	s.mu.Lock()
	s.cfg.MaxWorkers = n
	s.mu.Unlock()
	s.pool.SetMaxWorkers(n)
	s.signal()
}

func (s *Scheduler) SetWorkerIdleTimeout(d time.Duration) {
	s.mu.Lock()
	s.cfg.WorkerIdleTimeout = d
	s.mu.Unlock()
	s.pool.SetIdleTimeout(d)
}

// EnableTemporalWorkers stops idle workers now and every worker after its task.
func (s *Scheduler) EnableTemporalWorkers() {
	s.mu.Lock()
	s.cfg.TemporalWorkers = true
	s.mu.Unlock()
	s.pool.SetTemporal(true)
}

func (s *Scheduler) DisableTemporalWorkers() {
	s.mu.Lock()
	s.cfg.TemporalWorkers = false
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.pool.SetTemporal(false)
	}
}

func (s *Scheduler) SetHistoryLimit(n int) {
	s.mu.Lock()
	s.cfg.HistoryLimit = n
	s.history.SetLimit(n)
	s.mu.Unlock()
}

// Apply swaps every runtime setting.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.SetMaxConcurrency(cfg.MaxWorkers)
	s.SetWorkerIdleTimeout(cfg.WorkerIdleTimeout)
	if cfg.TemporalWorkers {
		s.EnableTemporalWorkers()
	} else {
		s.DisableTemporalWorkers()
	}
	s.SetHistoryLimit(cfg.HistoryLimit)
	s.setBackground(cfg.Background)
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SearchHistory returns the first recorded result for id.
func (s *Scheduler) SearchHistory(id int64) (task.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Search(id)
}

// History returns a copy of the recorded results in completion order.
func (s *Scheduler) History() []task.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.All()
}

func (s *Scheduler) ClearHistory() {
	s.mu.Lock()
	s.history.Clear()
	s.mu.Unlock()
	s.metrics.HistorySize(0)
}

// RemoveHistory deletes the history entry r (matched by serial).
func (s *Scheduler) RemoveHistory(r task.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Remove(r.Serial())
}

// ClearQueuedTasks empties both queues. Tasks already on a worker are not
// affected.
func (s *Scheduler) ClearQueuedTasks() {
	s.mu.Lock()
	s.syncQ = nil
	s.periodic = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) ClearQueuedSyncTasks() {
	s.mu.Lock()
	s.syncQ = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) ClearQueuedPeriodicTasks() {
	s.mu.Lock()
	s.periodic = nil
	s.mu.Unlock()
	s.signal()
}

// Kill marks every periodic task with id for removal. The next cycle records
// one REMOVED result per task.
func (s *Scheduler) Kill(id int64) bool {
	s.mu.Lock()
	found := false
	for _, t := range s.periodic {
		if t.ID() == id {
			t.Kill()
			found = true
		}
	}
	s.mu.Unlock()
	if found {
		s.signal()
	}
	return found
}

// Cancel removes queued one-shot tasks with id. A task already handed to a
// worker cannot be cancelled. It returns how many were removed.
func (s *Scheduler) Cancel(id int64) int {
	s.mu.Lock()
	before := len(s.syncQ)
	s.syncQ = slices.DeleteFunc(s.syncQ, func(t *task.Task) bool { return t.ID() == id })
	n := before - len(s.syncQ)
	s.mu.Unlock()
	if n > 0 {
		s.signal()
	}
	return n
}

// Pending reports whether a task with id is queued or on a worker.
func (s *Scheduler) Pending(id int64) bool {
	match := func(t *task.Task) bool { return t.ID() == id }
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.syncQ, match) || slices.ContainsFunc(s.periodic, match) {
		return true
	}
	for t := range s.inflight {
		if match(t) {
			return true
		}
	}
	return false
}

// Drain blocks until the sync queue is empty and no task is on a worker.
// Periodic tasks are ignored unless running.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		idle := len(s.syncQ) == 0 && len(s.inflight) == 0
		stopped := s.stopped
		s.mu.Unlock()
		if idle {
			return nil
		}
		if stopped {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %w", ctx.Err())
		case <-tick.C:
		}
	}
}
