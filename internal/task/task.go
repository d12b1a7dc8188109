package task

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"
)

type Kind int

const (
	OneShot Kind = iota
	Periodic
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "one_shot"
	case Periodic:
		return "periodic"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MinPeriod is the smallest period a periodic task may have.
const MinPeriod = time.Millisecond

// Dispatcher runs functions on a designated single-threaded context.
// Run blocks until fn has returned there; Post does not wait.
type Dispatcher interface {
	Run(fn func())
	Post(fn func())
}

// RunFunc is the task body. A non-nil error becomes a CodeErrorInBody result;
// a nil result with a nil error becomes CodeUnknown.
type RunFunc func(ctx context.Context, t *Task) (*Result, error)

// CheckFunc decides whether the task may run now. Returning the value of
// SetTaskIDToWait defers it; an error result kills it; nil lets it run.
type CheckFunc func(t *Task) *Result

type FinishFunc func(t *Task, r Result)

type KillFunc func(t *Task, r Result)

var idSeq atomic.Int64

// NextID returns a process-unique task id.
func NextID() int64 { return idSeq.Add(1) }

// Task is a unit of work. Identity is the pointer; ID is what History and
// dependencies refer to.
type Task struct {
	id     int64
	kind   Kind
	name   string
	period time.Duration

	allowBackground  bool
	designatedRun    bool
	designatedFinish bool

	run      RunFunc
	check    CheckFunc
	onFinish FinishFunc
	onKill   KillFunc

	running    atomic.Bool
	waiting    atomic.Bool
	waitingFor atomic.Int64
	lastRunAt  atomic.Int64 // unix nanos, 0 = never
	killable   atomic.Bool
}

// New builds a one-shot task. id 0 assigns one from NextID.
func New(id int64, run RunFunc, opts ...Option) *Task {
	return build(id, OneShot, 0, run, opts)
}

// NewPeriodic builds a task fired every period until killed.
func NewPeriodic(id int64, period time.Duration, run RunFunc, opts ...Option) *Task {
	return build(id, Periodic, max(period, MinPeriod), run, opts)
}

func build(id int64, kind Kind, period time.Duration, run RunFunc, opts []Option) *Task {
	if id == 0 {
		id = NextID()
	}
	t := &Task{id: id, kind: kind, period: period, run: run}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.name == "" {
		t.name = "task-" + strconv.FormatInt(id, 10)
	}
	return t
}

func (t *Task) ID() int64              { return t.id }
func (t *Task) Kind() Kind             { return t.kind }
func (t *Task) Name() string           { return t.name }
func (t *Task) AllowBackground() bool  { return t.allowBackground }
func (t *Task) DesignatedRun() bool    { return t.designatedRun }
func (t *Task) DesignatedFinish() bool { return t.designatedFinish }
func (t *Task) Period() time.Duration  { return t.period }
func (t *Task) Running() bool          { return t.running.Load() }
func (t *Task) Waiting() bool          { return t.waiting.Load() }
func (t *Task) WaitingFor() int64      { return t.waitingFor.Load() }
func (t *Task) Killable() bool         { return t.killable.Load() }

// Kill marks a periodic task for removal before its next firing.
func (t *Task) Kill() { t.killable.Store(true) }

// WaitFor declares that t may not be dispatched until a result for id is in
// History. Call it before submission.
func (t *Task) WaitFor(id int64) {
	t.waitingFor.Store(id)
	t.waiting.Store(true)
}

// SetTaskIDToWait defers t until id has a result in History and returns the
// WAIT result to hand back from a CheckFunc.
func (t *Task) SetTaskIDToWait(id int64) Result {
	t.WaitFor(id)
	return WaitResult(t.id, id)
}

func (t *Task) LastRunAt() time.Time {
	n := t.lastRunAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (t *Task) SetLastRunAt(at time.Time) {
	if at.IsZero() {
		t.lastRunAt.Store(0)
		return
	}
	t.lastRunAt.Store(at.UnixNano())
}

// Due reports whether a periodic task's period has elapsed at now.
func (t *Task) Due(now time.Time) bool {
	last := t.LastRunAt()
	return last.IsZero() || now.Sub(last) >= t.period
}

// NextRunIn is the time left until the task is due; <= 0 means due.
func (t *Task) NextRunIn(now time.Time) time.Duration {
	last := t.LastRunAt()
	if last.IsZero() {
		return 0
	}
	return last.Add(t.period).Sub(now)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(id=%d kind=%s)", t.name, t.id, t.kind)
}

// Execute runs the dependency check, the body and the finish or kill hook.
// Running reports true for the whole call. d may be nil, in which case
// designated hooks run on the calling goroutine.
func (t *Task) Execute(ctx context.Context, d Dispatcher) Result {
	t.running.Store(true)
	defer t.running.Store(false)

	check := t.checkDependencies()
	if check.Code() == CodeWaitForDependency {
		return check
	}
	if check.IsError() || check.Code() == CodeErrorCheckingDependencies {
		t.kill(check)
		return check
	}

	t.waiting.Store(false)

	var res Result
	if t.designatedRun && d != nil {
		d.Run(func() { res = t.body(ctx) })
	} else {
		res = t.body(ctx)
	}
	if res.IsError() {
		t.kill(res)
		return res
	}

	if t.onFinish != nil {
		if t.designatedFinish && d != nil {
			d.Post(func() { t.onFinish(t, res) })
		} else {
			t.onFinish(t, res)
		}
	}
	return res
}

func (t *Task) checkDependencies() (res Result) {
	if t.check == nil {
		return Unknown(t.id)
	}
	defer func() {
		if r := recover(); r != nil {
			res = Fail(t.id, CodeErrorCheckingDependencies, fmt.Sprint(r), Fault{Value: r, Stack: string(debug.Stack())})
		}
	}()
	if r := t.check(t); r != nil {
		return *r
	}
	return Unknown(t.id)
}

func (t *Task) body(ctx context.Context) (res Result) {
	if t.run == nil {
		return Unknown(t.id)
	}
	defer func() {
		if r := recover(); r != nil {
			res = Exception(t.id, Fault{Value: r, Stack: string(debug.Stack())})
		}
	}()
	out, err := t.run(ctx, t)
	switch {
	case err != nil:
		return Fail(t.id, CodeErrorInBody, err.Error(), err)
	case out == nil || out.IsZero():
		return Unknown(t.id)
	default:
		return *out
	}
}

// NotifyKill runs the kill hook with r. The scheduler uses it for periodic
// tasks it removes without running.
func (t *Task) NotifyKill(r Result) { t.kill(r) }

func (t *Task) kill(r Result) {
	if t.onKill != nil {
		t.onKill(t, r)
	}
}

// Fault is the payload of a CodeErrorException result.
type Fault struct {
	Value any
	Stack string
}

func (f Fault) String() string { return fmt.Sprint(f.Value) }

func (f Fault) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprint(f.Value))
}
