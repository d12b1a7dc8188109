package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

const (
	DefaultBuffer = 1024
	maxBatch      = 128
)

// Sink feeds scheduler results into a Store from a single writer goroutine.
// RecordResult never blocks: entries arriving while the queue is full are
// counted and dropped.
type Sink struct {
	store Store
	log   logx.Logger

	ch       chan Entry
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewSink(store Store, buffer int, log logx.Logger) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{
		store: store,
		log:   log.With(logx.String("comp", "journal")),
		ch:    make(chan Entry, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// RecordResult implements scheduler.ResultSink.
func (s *Sink) RecordResult(t *task.Task, r task.Result) {
	select {
	case <-s.stop:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.ch <- EntryOf(t, r):
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.log.Warn("journal queue full; dropping results", logx.Uint64("dropped", s.dropped.Load()))
		}
	}
}

// Run writes queued entries until ctx is cancelled or Close is called, then
// flushes what is still queued.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	batch := make([]Entry, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			s.flush(batch)
			return
		case <-s.stop:
			s.flush(batch)
			return
		case e := <-s.ch:
			batch = append(batch[:0], e)
		fill:
			for len(batch) < maxBatch {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
				default:
					break fill
				}
			}
			s.write(batch)
		}
	}
}

func (s *Sink) flush(batch []Entry) {
	batch = batch[:0]
	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) == maxBatch {
				s.write(batch)
				batch = batch[:0]
			}
		default:
			s.write(batch)
			return
		}
	}
}

func (s *Sink) write(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, batch...); err != nil {
		s.failed.Add(uint64(len(batch)))
		s.log.Warn("journal write failed", logx.Int("entries", len(batch)), logx.Err(err))
		return
	}
	s.written.Add(uint64(len(batch)))
}

// Close stops Run, waits for the final flush (bounded by ctx) and closes the
// store. Run must have been started.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.store.Close()
}

// Stats are best-effort counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (s *Sink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.ch),
	}
}

// Recent proxies Store.Recent.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.store.Recent(ctx, limit)
}
