package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/observability/metrics"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/task"
	"tasksched/internal/task/pool"
	logx "tasksched/pkg/logx"
)

// ResultSink receives every persisted result after it reached History.
// It is called without scheduler locks held and should return quickly.
type ResultSink interface {
	RecordResult(t *task.Task, r task.Result)
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	TaskID  int64         `json:"task_id"`
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Worker  int64         `json:"worker,omitempty"`
	Code    string        `json:"code,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	WaitFor int64         `json:"wait_for,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// WorkerEvent is the payload of worker.* bus events.
type WorkerEvent struct {
	Worker int64  `json:"worker"`
	Reason string `json:"reason,omitempty"`
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithDispatcher sets the designated context for tasks that ask for one.
func WithDispatcher(d task.Dispatcher) Option {
	return func(s *Scheduler) { s.dispatcher = d }
}

// WithSupervisor hosts the dispatch loop and workers on sup. Without it the
// scheduler owns a private supervisor cancelled with Start's context.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Scheduler) { s.sup = sup }
}

func WithSink(sink ResultSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

type flight struct {
	worker  int64
	at      time.Time
	prevRun time.Time // periodic LastRunAt before this dispatch
}

// Scheduler owns the sync and periodic queues, History and the worker pool,
// and runs a single dispatch loop that hands ready tasks to workers.
//
// Lock order is scheduler, then pool, then worker. Pool callbacks arrive with
// no lock held.
type Scheduler struct {
	log        logx.Logger
	bus        eventbus.Bus
	metrics    *metrics.Metrics
	dispatcher task.Dispatcher
	sup        *supervisor.Supervisor
	ownSup     bool
	sinks      []ResultSink
	pool       *pool.Pool

	mu         sync.Mutex
	cfg        Config
	syncQ      []*task.Task
	periodic   []*task.Task
	inflight   map[*task.Task]flight
	history    History
	background bool
	started    bool
	stopped    bool

	wake     chan struct{}
	loopDone chan struct{}
	loopOnce sync.Once
}

func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		bus:        eventbus.Nop{},
		cfg:        cfg,
		inflight:   map[*task.Task]flight{},
		history:    History{limit: cfg.HistoryLimit},
		background: cfg.Background,
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	base := s.log
	s.log = base.With(logx.String("comp", "scheduler"))
	if s.sup == nil {
		s.sup = supervisor.New(context.Background(), supervisor.WithLogger(base))
		s.ownSup = true
	}
	s.pool = pool.New(s.sup.Context(), pool.Config{
		MaxWorkers:  cfg.MaxWorkers,
		IdleTimeout: cfg.WorkerIdleTimeout,
		Temporal:    cfg.TemporalWorkers,
	},
		pool.WithLogger(base),
		pool.WithSupervisor(s.sup),
		pool.WithDispatcher(s.dispatcher),
		pool.WithHandlers(pool.Handlers{
			Result:  s.onResult,
			Dropped: s.onDropped,
			Started: s.onWorkerStarted,
			Stopped: s.onWorkerStopped,
		}),
	)
	s.metrics.Background(cfg.Background)
	return s
}

// Start launches the dispatch loop. Cancelling ctx is a hard shutdown: the
// scheduler stops and, with a private supervisor, running bodies see their
// context cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	cfg := s.cfg
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(s.sup.Context())
	context.AfterFunc(ctx, cancel)
	if s.ownSup {
		context.AfterFunc(ctx, s.sup.Cancel)
	}
	context.AfterFunc(ctx, func() {
		s.shutdown("context canceled")
		s.loopOnce.Do(func() { close(s.loopDone) })
	})
	s.sup.GoRestart("scheduler.dispatch", func(context.Context) error {
		return s.loop(runCtx)
	}, supervisor.WithRestartBackoff(10*time.Millisecond, time.Second))

	s.signal()
	s.log.Info("scheduler started",
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.Duration("worker_idle_timeout", cfg.WorkerIdleTimeout),
		logx.Bool("temporal", cfg.TemporalWorkers),
		logx.Bool("background", s.Background()),
	)
	return nil
}

// Stop forces temporal workers, stops idle ones, clears both queues and waits
// for the dispatch loop, bounded by ctx. Tasks already on a worker finish but
// their results are discarded.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.shutdown("stop requested")

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) shutdown(reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	nSync, nPeriodic := len(s.syncQ), len(s.periodic)
	s.syncQ = nil
	s.periodic = nil
	s.mu.Unlock()

	s.pool.SetTemporal(true)
	s.signal()
	s.metrics.QueueDepth(0, 0, 0)
	s.log.Info("scheduler stopping",
		logx.String("reason", reason),
		logx.Int("dropped_sync", nSync),
		logx.Int("dropped_periodic", nPeriodic),
	)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		wait, ok := s.cycle()
		if !ok {
			s.loopOnce.Do(func() { close(s.loopDone) })
			return nil
		}

		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			s.shutdown("context canceled")
			s.loopOnce.Do(func() { close(s.loopDone) })
			return nil
		case <-s.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

type dispatchNote struct {
	t      *task.Task
	worker int64
}

type removal struct {
	t *task.Task
	r task.Result
}

type cycleOut struct {
	dispatched   []dispatchNote
	removed      []removal
	backpressure bool

	syncN, periodicN, inflightN, historyN int
}

// cycle runs one scan of both queues and returns how long the loop may sleep
// (0 waits for a signal) and false once stopped.
func (s *Scheduler) cycle() (time.Duration, bool) {
	var out cycleOut
	wait, ok := s.scan(time.Now(), &out)
	if !ok {
		return 0, false
	}
	s.emitCycle(&out)
	return wait, true
}

func (s *Scheduler) scan(now time.Time, out *cycleOut) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	s.scanSyncLocked(out)
	s.scanPeriodicLocked(now, out)

	out.syncN, out.periodicN = len(s.syncQ), len(s.periodic)
	out.inflightN, out.historyN = len(s.inflight), s.history.Len()
	return s.nextWakeLocked(now), true
}

// readyLocked is the running and dependency gate shared by both queues.
func (s *Scheduler) readyLocked(t *task.Task) bool {
	if t.Running() {
		return false
	}
	if _, busy := s.inflight[t]; busy {
		return false
	}
	if t.Waiting() && !s.history.Has(t.WaitingFor()) {
		return false
	}
	return true
}

// assignLocked hands t to a worker, retrying when the acquired worker retired
// between Acquire and Assign. It returns nil when the pool is exhausted.
func (s *Scheduler) assignLocked(t *task.Task) *pool.Worker {
	for {
		w := s.pool.Acquire()
		if w == nil {
			return nil
		}
		s.inflight[t] = flight{worker: w.ID(), at: time.Now()}
		if w.Assign(t) {
			return w
		}
		delete(s.inflight, t)
	}
}

func (s *Scheduler) scanSyncLocked(out *cycleOut) {
	if s.background {
		return
	}
	for i := 0; i < len(s.syncQ); {
		t := s.syncQ[i]
		if !s.readyLocked(t) {
			i++
			continue
		}
		w := s.assignLocked(t)
		if w == nil {
			out.backpressure = true
			return
		}
		s.syncQ = slices.Delete(s.syncQ, i, i+1)
		out.dispatched = append(out.dispatched, dispatchNote{t: t, worker: w.ID()})
	}
}

func (s *Scheduler) scanPeriodicLocked(now time.Time, out *cycleOut) {
	for i := 0; i < len(s.periodic); {
		t := s.periodic[i]
		if t.Killable() {
			s.periodic = slices.Delete(s.periodic, i, i+1)
			r := task.Removed(t.ID(), "killable flag set")
			s.history.Append(r)
			out.removed = append(out.removed, removal{t: t, r: r})
			continue
		}
		if !t.Due(now) || (s.background && !t.AllowBackground()) || !s.readyLocked(t) {
			i++
			continue
		}
		prev := t.LastRunAt()
		w := s.assignLocked(t)
		if w == nil {
			out.backpressure = true
			return
		}
		fl := s.inflight[t]
		fl.prevRun = prev
		s.inflight[t] = fl
		t.SetLastRunAt(now)
		out.dispatched = append(out.dispatched, dispatchNote{t: t, worker: w.ID()})
		i++
	}
}

// nextWakeLocked is the smallest positive time until a periodic task is due.
// Overdue tasks blocked on a worker, a dependency or background mode are
// woken by the signal that unblocks them.
func (s *Scheduler) nextWakeLocked(now time.Time) time.Duration {
	var best time.Duration
	for _, t := range s.periodic {
		if d := t.NextRunIn(now); d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	return best
}

func (s *Scheduler) emitCycle(out *cycleOut) {
	for _, d := range out.dispatched {
		kind := d.t.Kind().String()
		s.metrics.Dispatched(kind)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDispatched, Data: TaskEvent{
			TaskID: d.t.ID(), Name: d.t.Name(), Kind: kind, Worker: d.worker,
		}})
		s.log.Trace("task dispatched", logx.Int64("task", d.t.ID()), logx.String("name", d.t.Name()), logx.Int64("worker", d.worker))
	}
	for _, rm := range out.removed {
		s.notifyKill(rm.t, rm.r)
		s.metrics.Result(rm.t.Kind().String(), rm.r.Code().String(), 0)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskRemoved, Data: TaskEvent{
			TaskID: rm.t.ID(), Name: rm.t.Name(), Kind: rm.t.Kind().String(), Code: rm.r.Code().String(), Detail: rm.r.Detail(),
		}})
		s.record(rm.t, rm.r)
		s.log.Info("periodic task removed", logx.Int64("task", rm.t.ID()), logx.String("name", rm.t.Name()))
	}
	if out.backpressure {
		s.metrics.Backpressure()
	}
	s.metrics.QueueDepth(out.syncN, out.periodicN, out.inflightN)
	s.metrics.HistorySize(out.historyN)
	if s.metrics != nil {
		st := s.pool.Stats()
		s.metrics.Workers(st.Live, st.Idle)
	}
}

func (s *Scheduler) notifyKill(t *task.Task, r task.Result) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("kill hook panicked", logx.Int64("task", t.ID()), logx.Any("panic", p))
		}
	}()
	t.NotifyKill(r)
}

func (s *Scheduler) record(t *task.Task, r task.Result) {
	for _, sink := range s.sinks {
		sink.RecordResult(t, r)
	}
}

// onResult is the pool's finish callback.
func (s *Scheduler) onResult(_ *pool.Worker, t *task.Task, r task.Result) {
	s.mu.Lock()
	fl, tracked := s.inflight[t]
	delete(s.inflight, t)
	if s.stopped {
		s.mu.Unlock()
		s.log.Debug("result discarded after stop", logx.Int64("task", t.ID()), logx.String("code", r.Code().String()))
		return
	}
	waiting := r.Code() == task.CodeWaitForDependency
	switch {
	case waiting && t.Kind() == task.OneShot:
		s.syncQ = append(s.syncQ, t)
	case waiting && tracked:
		// A deferred firing did not run; stay due for when the dependency lands.
		t.SetLastRunAt(fl.prevRun)
	case !waiting && r.Persist():
		s.history.Append(r)
	}
	s.mu.Unlock()
	s.signal()

	kind := t.Kind().String()
	ev := TaskEvent{TaskID: t.ID(), Name: t.Name(), Kind: kind, Worker: fl.worker, Code: r.Code().String(), Detail: r.Detail()}
	if waiting {
		s.metrics.DependencyWait()
		ev.WaitFor = t.WaitingFor()
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskWaiting, Data: ev})
		s.log.Debug("task waiting for dependency", logx.Int64("task", t.ID()), logx.Int64("wait_for", ev.WaitFor))
		return
	}

	var elapsed time.Duration
	if tracked {
		elapsed = time.Since(fl.at)
	}
	ev.Elapsed = elapsed
	s.metrics.Result(kind, ev.Code, elapsed)
	if r.IsError() {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
		s.log.Warn("task failed", logx.Int64("task", t.ID()), logx.String("name", t.Name()), logx.String("code", ev.Code), logx.String("detail", r.Detail()))
	} else {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
		s.log.Debug("task finished", logx.Int64("task", t.ID()), logx.String("name", t.Name()), logx.String("code", ev.Code), logx.Duration("elapsed", elapsed))
	}
	if r.Persist() {
		s.record(t, r)
	}
}

func (s *Scheduler) onDropped(w *pool.Worker, t *task.Task) {
	s.mu.Lock()
	delete(s.inflight, t)
	s.mu.Unlock()
	s.signal()

	s.metrics.Dropped()
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: TaskEvent{
		TaskID: t.ID(), Name: t.Name(), Kind: t.Kind().String(), Worker: w.ID(),
	}})
}

func (s *Scheduler) onWorkerStarted(w *pool.Worker) {
	s.metrics.WorkerStarted()
	s.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Data: WorkerEvent{Worker: w.ID()}})
}

func (s *Scheduler) onWorkerStopped(w *pool.Worker, reason pool.StopReason) {
	s.signal()
	s.metrics.WorkerStopped(string(reason))
	s.bus.Publish(eventbus.Event{Type: eventbus.WorkerRetired, Data: WorkerEvent{Worker: w.ID(), Reason: string(reason)}})
}
