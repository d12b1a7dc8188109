package pool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// StopReason says why a worker stopped.
type StopReason string

const (
	StopIdle     StopReason = "idle_timeout"
	StopRequest  StopReason = "stopped"
	StopCanceled StopReason = "context_canceled"
)

// Worker runs its private queue one task at a time on its own goroutine and
// retires after idling for its idle timeout.
type Worker struct {
	id   int64
	pool *Pool
	log  logx.Logger

	mu          sync.Mutex
	queue       []*task.Task
	current     *task.Task
	stopped     bool
	idleTimeout time.Duration

	wake     chan struct{}
	stopOnce sync.Once
}

func newWorker(p *Pool, id int64, idle time.Duration) *Worker {
	return &Worker{
		id:          id,
		pool:        p,
		log:         p.log.With(logx.Int64("worker", id)),
		idleTimeout: idle,
		wake:        make(chan struct{}, 1),
	}
}

func (w *Worker) ID() int64 { return w.id }

// Assign queues t on the worker. It returns false once the worker is stopped.
func (w *Worker) Assign(t *task.Task) bool {
	if t == nil {
		return false
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	w.signal()
	return true
}

// Stop drops queued tasks, notifies the pool once and ends the loop. A task
// already executing runs to completion.
func (w *Worker) Stop() {
	w.stop(StopRequest)
}

func (w *Worker) stop(reason StopReason) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	dropped := w.queue
	w.queue = nil
	w.stopped = true
	w.mu.Unlock()

	for _, t := range dropped {
		w.pool.dropped(w, t)
	}
	w.notifyStopped(reason)
	w.signal()
}

// Stopped reports whether the worker reached its terminal state.
func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Current is the id of the executing task, or 0 when none is.
func (w *Worker) Current() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return 0
	}
	return w.current.ID()
}

// Pending is the number of queued tasks, excluding the executing one.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) setIdleTimeout(d time.Duration) {
	w.mu.Lock()
	w.idleTimeout = d
	w.mu.Unlock()
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) notifyStopped(reason StopReason) {
	w.stopOnce.Do(func() { w.pool.workerStopped(w, reason) })
}

func (w *Worker) loop(ctx context.Context) {
	// A panic escaping here still has to release the pool slot.
	defer w.stop(StopCanceled)

	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		if len(w.queue) > 0 {
			t := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.current = t
			w.mu.Unlock()

			res := w.execute(ctx, t)

			w.mu.Lock()
			w.current = nil
			w.mu.Unlock()
			w.pool.release(w, t, res)
			continue
		}
		idle := w.idleTimeout
		w.mu.Unlock()

		switch w.waitForWork(ctx, idle) {
		case waitCanceled:
			w.stop(StopCanceled)
			return
		case waitTimedOut:
			w.mu.Lock()
			retire := len(w.queue) == 0 && !w.stopped
			if retire {
				w.stopped = true
			}
			w.mu.Unlock()
			if retire {
				w.log.Debug("worker retired", logx.Duration("idle", idle))
				w.notifyStopped(StopIdle)
				return
			}
		}
	}
}

type waitOutcome int

const (
	waitWoken waitOutcome = iota
	waitTimedOut
	waitCanceled
)

func (w *Worker) waitForWork(ctx context.Context, idle time.Duration) waitOutcome {
	if idle <= 0 {
		select {
		case <-ctx.Done():
			return waitCanceled
		case <-w.wake:
			return waitWoken
		}
	}
	t := time.NewTimer(idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return waitCanceled
	case <-w.wake:
		return waitWoken
	case <-t.C:
		return waitTimedOut
	}
}

func (w *Worker) execute(ctx context.Context, t *task.Task) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.log.Error("task escaped with panic", logx.Int64("task", t.ID()), logx.Any("panic", r), logx.String("stack", stack))
			res = task.Exception(t.ID(), task.Fault{Value: r, Stack: stack})
		}
	}()
	return t.Execute(ctx, w.pool.dispatcher)
}
