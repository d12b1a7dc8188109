package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tasksched/internal/config"
	"tasksched/internal/dispatch"
	"tasksched/internal/eventbus"
	"tasksched/internal/journal"
	"tasksched/internal/observability/metrics"
	"tasksched/internal/observability/ops"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	// sup hosts the app's own goroutines; taskSup hosts the dispatch loop
	// and workers so they can outlive the app context during a graceful stop.
	sup     *supervisor.Supervisor
	taskSup *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	loop    *dispatch.Loop
	sched   *scheduler.Scheduler
	trig    *trigger.Service
	journal *journal.Sink
	ops     *ops.Service
	sd      *sdNotifier

	ready    atomic.Bool
	stopOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := Validate(ctx, cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogConfig(cfg))
	log := base.With(logx.String("comp", "app"))
	cfgm.SetLogger(base)

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
		sd:   newSDNotifier(base),
	}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logSvc.SetAlertFunc(func(al logx.Alert) {
		a.bus.Publish(eventbus.Event{Type: eventbus.LogAlert, Time: al.Time, Data: al})
	})

	m, err := metrics.New(a.reg, metrics.Options{})
	if err != nil {
		return nil, err
	}

	jcfg, jenabled, err := mapJournalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if jenabled {
		store, err := journal.Open(jcfg, base)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = journal.NewSink(store, jcfg.Buffer, base)
		log.Info("journal enabled", logx.String("driver", jcfg.Driver), logx.String("path", jcfg.Path))
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.loop = dispatch.NewLoop(base)
	a.taskSup = supervisor.New(context.Background(), supervisor.WithLogger(base))
	opts := []scheduler.Option{
		scheduler.WithLogger(base),
		scheduler.WithBus(a.bus),
		scheduler.WithMetrics(m),
		scheduler.WithDispatcher(a.loop),
		scheduler.WithSupervisor(a.taskSup),
	}
	if a.journal != nil {
		opts = append(opts, scheduler.WithSink(a.journal))
	}
	a.sched = scheduler.New(scfg, opts...)

	tcfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.trig = trigger.New(tcfg, a.sched, trigger.WithLogger(base))
	if err := a.syncJobs(cfg, nil); err != nil {
		return nil, err
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(ocfg, a.opsSources(), base)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Trigger() *trigger.Service       { return a.trig }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Ops() *ops.Service               { return a.ops }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status is what the ops /snapshot endpoint serves.
type Status struct {
	Ready       bool                           `json:"ready"`
	Scheduler   scheduler.Snapshot             `json:"scheduler"`
	Trigger     trigger.Snapshot               `json:"trigger"`
	Journal     *journal.Stats                 `json:"journal,omitempty"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors"`
	BusDropped  uint64                         `json:"bus_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Ready:     a.ready.Load(),
		Scheduler: a.sched.Snapshot(),
		Trigger:   a.trig.Snapshot(),
		Supervisors: map[string]supervisor.Snapshot{
			"app":  a.sup.Snapshot(),
			"task": a.taskSup.Snapshot(),
		},
		BusDropped: a.bus.Dropped(),
	}
	if a.journal != nil {
		js := a.journal.Stats()
		st.Journal = &js
	}
	return st
}

func (a *App) opsSources() ops.Sources {
	src := ops.Sources{
		Gatherer: a.reg,
		Snapshot: func() any { return a.Status() },
		Ready:    a.ready.Load,
	}
	if a.journal != nil {
		src.Recent = func(ctx context.Context, limit int) (any, error) {
			return a.journal.Recent(ctx, limit)
		}
	}
	return src
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(Validate)

	if a.journal != nil {
		a.sup.Go0("journal.writer", a.journal.Run)
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.trig.Start(a.sup.Context())
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if interval := a.sd.watchdogInterval(); interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			a.sd.watchdog(c, interval, a.ready.Load)
		})
	}

	a.ready.Store(true)
	a.sd.notify(sdReady)
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.notify(sdReloading)
	defer a.sd.notify(sdReady)

	a.logs.Apply(mapLogConfig(newCfg))

	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}
	if tcfg, err := mapTriggerConfig(newCfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(tcfg)
	}
	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, ocfg)
	}
	for _, s := range sections {
		if s == "journal" {
			a.log.Warn("journal config changed; restart required for changes to take effect")
		}
	}
	if len(jobs) > 0 {
		if err := a.syncJobs(newCfg, jobs); err != nil {
			a.log.Warn("some jobs were not applied", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)
	a.sd.notify(sdStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("workers", 2*time.Second, a.taskSup.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	// Stop the app goroutines (config watch/reload, event log, journal writer).
	a.sup.Cancel()
	step("journal", 2*time.Second, func(c context.Context) error {
		if a.journal == nil {
			return nil
		}
		return a.journal.Close(c)
	})
	step("dispatch", time.Second, func(context.Context) error { a.loop.Close(); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs fn with an upper bound that never extends the caller's
// deadline. A step that misses its deadline keeps running; its eventual
// completion is logged.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return stepCtx.Err()
	}
}
