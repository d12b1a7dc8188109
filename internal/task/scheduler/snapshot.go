package scheduler

import (
	"time"

	"tasksched/internal/task"
	"tasksched/internal/task/pool"
)

// TaskInfo describes a queued or running task.
type TaskInfo struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Running    bool          `json:"running"`
	Waiting    bool          `json:"waiting,omitempty"`
	WaitingFor int64         `json:"waiting_for,omitempty"`
	Background bool          `json:"background,omitempty"`
	Period     time.Duration `json:"period,omitempty"`
	LastRunAt  time.Time     `json:"last_run_at,omitzero"`
	NextRunIn  time.Duration `json:"next_run_in,omitempty"`
	Worker     int64         `json:"worker,omitempty"`
	Since      time.Time     `json:"since,omitzero"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	At         time.Time  `json:"at"`
	Started    bool       `json:"started"`
	Stopped    bool       `json:"stopped"`
	Background bool       `json:"background"`
	Config     Config     `json:"config"`
	Pool       pool.Stats `json:"pool"`
	Queued     []TaskInfo `json:"queued"`
	Periodic   []TaskInfo `json:"periodic"`
	InFlight   []TaskInfo `json:"in_flight"`
	HistoryLen int        `json:"history_len"`
}

func infoOf(t *task.Task, now time.Time) TaskInfo {
	ti := TaskInfo{
		ID:         t.ID(),
		Name:       t.Name(),
		Kind:       t.Kind().String(),
		Running:    t.Running(),
		Waiting:    t.Waiting(),
		WaitingFor: t.WaitingFor(),
		Background: t.AllowBackground(),
	}
	if t.Kind() == task.Periodic {
		ti.Period = t.Period()
		ti.LastRunAt = t.LastRunAt()
		ti.NextRunIn = max(t.NextRunIn(now), 0)
	}
	return ti
}

func (s *Scheduler) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	snap := Snapshot{
		At:         now,
		Started:    s.started,
		Stopped:    s.stopped,
		Background: s.background,
		Config:     s.cfg,
		Queued:     make([]TaskInfo, 0, len(s.syncQ)),
		Periodic:   make([]TaskInfo, 0, len(s.periodic)),
		InFlight:   make([]TaskInfo, 0, len(s.inflight)),
		HistoryLen: s.history.Len(),
	}
	for _, t := range s.syncQ {
		snap.Queued = append(snap.Queued, infoOf(t, now))
	}
	for _, t := range s.periodic {
		snap.Periodic = append(snap.Periodic, infoOf(t, now))
	}
	for t, fl := range s.inflight {
		ti := infoOf(t, now)
		ti.Worker = fl.worker
		ti.Since = fl.at
		snap.InFlight = append(snap.InFlight, ti)
	}
	s.mu.Unlock()

	snap.Pool = s.pool.Stats()
	return snap
}
