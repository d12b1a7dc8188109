package pool

import (
	"context"
	"sync"
	"time"

	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

const (
	DefaultMaxWorkers  = 4
	DefaultIdleTimeout = 5 * time.Second
)

type Config struct {
	MaxWorkers  int
	IdleTimeout time.Duration // <= 0 keeps idle workers forever
	Temporal    bool
}

// Handlers receive pool callbacks. They are invoked without any pool or
// worker lock held and may be nil.
type Handlers struct {
	// Result is called after the worker that ran t was recycled or stopped.
	Result func(w *Worker, t *task.Task, r task.Result)
	// Dropped is called for tasks discarded by Worker.Stop before running.
	Dropped func(w *Worker, t *task.Task)
	// Started and Stopped track worker lifetimes.
	Started func(w *Worker)
	Stopped func(w *Worker, reason StopReason)
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithSupervisor runs worker goroutines under s, using its context.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(p *Pool) { p.sup = s }
}

// WithDispatcher sets the designated context handed to Task.Execute.
func WithDispatcher(d task.Dispatcher) Option {
	return func(p *Pool) { p.dispatcher = d }
}

func WithHandlers(h Handlers) Option {
	return func(p *Pool) { p.h = h }
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live        int           `json:"live"`
	Idle        int           `json:"idle"`
	Busy        int           `json:"busy"`
	Max         int           `json:"max"`
	Temporal    bool          `json:"temporal"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	Started     uint64        `json:"started"`
	Retired     uint64        `json:"retired"`
	Dropped     uint64        `json:"dropped"`
	PeakLive    int           `json:"peak_live"`

	// Running maps worker id to the id of the task it is executing.
	Running map[int64]int64 `json:"running,omitempty"`
}

// Pool bounds the number of live workers and recycles idle ones.
type Pool struct {
	ctx        context.Context
	log        logx.Logger
	sup        *supervisor.Supervisor
	dispatcher task.Dispatcher
	h          Handlers

	mu          sync.Mutex
	max         int
	idleTimeout time.Duration
	temporal    bool
	live        int
	peak        int
	idle        []*Worker
	workers     map[*Worker]struct{}
	nextID      int64
	started     uint64
	retired     uint64
	droppedN    uint64
}

// New returns an empty pool. Workers are created lazily by Acquire; their
// goroutines end when ctx (or the supervisor's context) is cancelled.
func New(ctx context.Context, cfg Config, opts ...Option) *Pool {
	if ctx == nil {
		ctx = context.Background()
	}
	p := &Pool{
		ctx:         ctx,
		max:         normalizeMax(cfg.MaxWorkers),
		idleTimeout: cfg.IdleTimeout,
		temporal:    cfg.Temporal,
		workers:     map[*Worker]struct{}{},
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	p.log = p.log.With(logx.String("comp", "pool"))
	return p
}

func normalizeMax(n int) int {
	if n <= 0 {
		return DefaultMaxWorkers
	}
	return n
}

// Acquire returns an idle worker, or starts a new one while under the limit.
// It returns nil when every slot is busy.
func (p *Pool) Acquire() *Worker {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w
	}
	if p.live >= p.max {
		p.mu.Unlock()
		return nil
	}
	p.nextID++
	w := newWorker(p, p.nextID, p.idleTimeout)
	p.live++
	p.peak = max(p.peak, p.live)
	p.started++
	p.workers[w] = struct{}{}
	p.mu.Unlock()

	p.spawn(w)
	if p.h.Started != nil {
		p.h.Started(w)
	}
	return w
}

func (p *Pool) spawn(w *Worker) {
	if p.sup != nil {
		p.sup.Go0("pool.worker", w.loop)
		return
	}
	go w.loop(p.ctx)
}

// release is the worker's finish callback.
func (p *Pool) release(w *Worker, t *task.Task, r task.Result) {
	p.mu.Lock()
	recycle := !p.temporal && p.live <= p.max && !w.Stopped()
	if recycle {
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()

	if !recycle {
		w.Stop()
	}
	if p.h.Result != nil {
		p.h.Result(w, t, r)
	}
}

// workerStopped runs exactly once per worker and is the only place live shrinks.
func (p *Pool) workerStopped(w *Worker, reason StopReason) {
	p.mu.Lock()
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	delete(p.workers, w)
	p.live--
	p.retired++
	p.mu.Unlock()

	if p.h.Stopped != nil {
		p.h.Stopped(w, reason)
	}
}

func (p *Pool) dropped(w *Worker, t *task.Task) {
	p.mu.Lock()
	p.droppedN++
	p.mu.Unlock()
	p.log.Warn("queued task dropped by worker stop", logx.Int64("worker", w.ID()), logx.Int64("task", t.ID()))
	if p.h.Dropped != nil {
		p.h.Dropped(w, t)
	}
}

// takeIdle removes up to n workers from the idle set. Caller holds mu.
func (p *Pool) takeIdle(n int) []*Worker {
	n = min(n, len(p.idle))
	if n <= 0 {
		return nil
	}
	out := make([]*Worker, n)
	copy(out, p.idle[:n])
	p.idle = append(p.idle[:0], p.idle[n:]...)
	return out
}

func stopAll(ws []*Worker) {
	for _, w := range ws {
		w.Stop()
	}
}

// SetTemporal switches temporal mode. Enabling it stops every idle worker and
// makes finished workers stop instead of returning to the idle set.
func (p *Pool) SetTemporal(enabled bool) {
	p.mu.Lock()
	p.temporal = enabled
	var victims []*Worker
	if enabled {
		victims = p.takeIdle(len(p.idle))
	}
	p.mu.Unlock()
	stopAll(victims)
}

func (p *Pool) Temporal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.temporal
}

// StopIdle stops every idle worker.
func (p *Pool) StopIdle() {
	p.mu.Lock()
	victims := p.takeIdle(len(p.idle))
	p.mu.Unlock()
	stopAll(victims)
}

// SetMaxWorkers changes the limit. Lowering it stops idle surplus at once;
// busy surplus stops when its task finishes.
func (p *Pool) SetMaxWorkers(n int) {
	n = normalizeMax(n)
	p.mu.Lock()
	p.max = n
	victims := p.takeIdle(p.live - n)
	p.mu.Unlock()
	stopAll(victims)
}

func (p *Pool) MaxWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetIdleTimeout applies d to new and existing workers.
func (p *Pool) SetIdleTimeout(d time.Duration) {
	p.mu.Lock()
	p.idleTimeout = d
	ws := make([]*Worker, 0, len(p.workers))
	for w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.setIdleTimeout(d)
	}
}

// Live is the number of started workers that have not stopped.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var running map[int64]int64
	for w := range p.workers {
		if id := w.Current(); id != 0 {
			if running == nil {
				running = make(map[int64]int64)
			}
			running[w.ID()] = id
		}
	}
	return Stats{
		Live:        p.live,
		Idle:        len(p.idle),
		Busy:        p.live - len(p.idle),
		Max:         p.max,
		Temporal:    p.temporal,
		IdleTimeout: p.idleTimeout,
		Started:     p.started,
		Retired:     p.retired,
		Dropped:     p.droppedN,
		PeakLive:    p.peak,
		Running:     running,
	}
}
