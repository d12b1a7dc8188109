// Package metrics exports scheduler and pool activity as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "tasksched"

type Options struct {
	Namespace       string
	DurationBuckets []float64
}

type Metrics struct {
	submitted    *prom.CounterVec
	dispatched   *prom.CounterVec
	results      *prom.CounterVec
	duration     *prom.HistogramVec
	dropped      prom.Counter
	backpressure prom.Counter
	waits        prom.Counter
	queueDepth   *prom.GaugeVec
	workers      *prom.GaugeVec
	workersUp    prom.Counter
	workersDown  *prom.CounterVec
	background   prom.Gauge
	historySize  prom.Gauge
}

// New creates the collectors and registers them on reg (the default
// registerer when nil). Collectors already registered are reused.
func New(reg prom.Registerer, opts Options) (*Metrics, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	m := &Metrics{
		submitted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: ns, Name: "tasks_submitted_total", Help: "Tasks accepted by Submit.",
		}, []string{"kind"}),
		dispatched: prom.NewCounterVec(prom.CounterOpts{
			Namespace: ns, Name: "tasks_dispatched_total", Help: "Tasks handed to a worker.",
		}, []string{"kind"}),
		results: prom.NewCounterVec(prom.CounterOpts{
			Namespace: ns, Name: "task_results_total", Help: "Task results by outcome code.",
		}, []string{"kind", "code"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: ns, Name: "task_duration_seconds", Help: "Time from dispatch to result.", Buckets: buckets,
		}, []string{"kind"}),
		dropped: prom.NewCounter(prom.CounterOpts{
			Namespace: ns, Name: "tasks_dropped_total", Help: "Queued tasks discarded by worker teardown.",
		}),
		backpressure: prom.NewCounter(prom.CounterOpts{
			Namespace: ns, Name: "dispatch_backpressure_total", Help: "Dispatch scans cut short because no worker was free.",
		}),
		waits: prom.NewCounter(prom.CounterOpts{
			Namespace: ns, Name: "dependency_waits_total", Help: "Executions deferred waiting for another task.",
		}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: ns, Name: "queue_depth", Help: "Queued tasks per queue.",
		}, []string{"queue"}),
		workers: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: ns, Name: "workers", Help: "Workers by state.",
		}, []string{"state"}),
		workersUp: prom.NewCounter(prom.CounterOpts{
			Namespace: ns, Name: "workers_started_total", Help: "Workers started.",
		}),
		workersDown: prom.NewCounterVec(prom.CounterOpts{
			Namespace: ns, Name: "workers_stopped_total", Help: "Workers stopped by reason.",
		}, []string{"reason"}),
		background: prom.NewGauge(prom.GaugeOpts{
			Namespace: ns, Name: "background_mode", Help: "1 while the scheduler is in background mode.",
		}),
		historySize: prom.NewGauge(prom.GaugeOpts{
			Namespace: ns, Name: "history_size", Help: "Results held in history.",
		}),
	}

	var err error
	if m.submitted, err = registerCollector(reg, m.submitted); err != nil {
		return nil, err
	}
	if m.dispatched, err = registerCollector(reg, m.dispatched); err != nil {
		return nil, err
	}
	if m.results, err = registerCollector(reg, m.results); err != nil {
		return nil, err
	}
	if m.duration, err = registerCollector(reg, m.duration); err != nil {
		return nil, err
	}
	if m.dropped, err = registerCollector(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.backpressure, err = registerCollector(reg, m.backpressure); err != nil {
		return nil, err
	}
	if m.waits, err = registerCollector(reg, m.waits); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.workers, err = registerCollector(reg, m.workers); err != nil {
		return nil, err
	}
	if m.workersUp, err = registerCollector(reg, m.workersUp); err != nil {
		return nil, err
	}
	if m.workersDown, err = registerCollector(reg, m.workersDown); err != nil {
		return nil, err
	}
	if m.background, err = registerCollector(reg, m.background); err != nil {
		return nil, err
	}
	if m.historySize, err = registerCollector(reg, m.historySize); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Submitted(kind string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

// Result records a terminal outcome. elapsed <= 0 skips the histogram.
func (m *Metrics) Result(kind, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(kind, code).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Metrics) DependencyWait() {
	if m == nil {
		return
	}
	m.waits.Inc()
}

func (m *Metrics) QueueDepth(syncQueued, periodic, inFlight int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("sync").Set(float64(syncQueued))
	m.queueDepth.WithLabelValues("periodic").Set(float64(periodic))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

func (m *Metrics) Workers(live, idle int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("live").Set(float64(live))
	m.workers.WithLabelValues("idle").Set(float64(idle))
	m.workers.WithLabelValues("busy").Set(float64(live - idle))
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersUp.Inc()
}

func (m *Metrics) WorkerStopped(reason string) {
	if m == nil {
		return
	}
	m.workersDown.WithLabelValues(reason).Inc()
}

func (m *Metrics) Background(on bool) {
	if m == nil {
		return
	}
	if on {
		m.background.Set(1)
	} else {
		m.background.Set(0)
	}
}

func (m *Metrics) HistorySize(n int) {
	if m == nil {
		return
	}
	m.historySize.Set(float64(n))
}

func registerCollector[T prom.Collector](reg prom.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("collector type mismatch for %T", c)
		}
		return existing, nil
	}
	return c, err
}
