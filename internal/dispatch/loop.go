// Package dispatch provides a designated single-goroutine execution context.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "tasksched/pkg/logx"
)

// ErrClosed is returned by TryRun after Close.
var ErrClosed = errors.New("dispatch: loop closed")

// Loop runs submitted functions one at a time, in submission order, on a
// single goroutine. It satisfies task.Dispatcher.
type Loop struct {
	log logx.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewLoop(log logx.Logger) *Loop {
	l := &Loop{log: log.With(logx.String("comp", "dispatch")), done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.loop()
	return l
}

func (l *Loop) loop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("designated call panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (l *Loop) enqueue(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Run executes fn on the loop and blocks until it returns. A panic in fn is
// re-raised on the caller. After Close fn runs on the caller. Calling Run
// from inside the loop deadlocks.
func (l *Loop) Run(fn func()) {
	if err := l.TryRun(fn); errors.Is(err, ErrClosed) {
		fn()
	} else if err != nil {
		panic(err)
	}
}

// TryRun is Run reporting a closed loop or a panic in fn as an error.
func (l *Loop) TryRun(fn func()) error {
	var (
		pan  any
		done = make(chan struct{})
	)
	ok := l.enqueue(func() {
		defer close(done)
		defer func() { pan = recover() }()
		fn()
	})
	if !ok {
		return ErrClosed
	}
	<-done
	if pan != nil {
		return fmt.Errorf("dispatch: %v", pan)
	}
	return nil
}

// Post queues fn without waiting. After Close it is dropped.
func (l *Loop) Post(fn func()) {
	if !l.enqueue(fn) {
		l.log.Warn("post after close dropped")
	}
}

// Pending is the number of queued functions.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close drains queued functions and stops the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}
