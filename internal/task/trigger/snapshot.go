package trigger

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Started:   s.started,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:      d.job.Name,
			Kind:      string(d.kind),
			Spec:      d.spec,
			Timeout:   d.job.Timeout,
			DependsOn: d.job.DependsOn,
			Fires:     d.fires,
			Skips:     d.skips,
			Spread:    d.spread,
		}
		if d.current != nil {
			it.TaskID = d.current.ID()
		}
		switch d.kind {
		case kindCron:
			if s.c != nil && d.entryID != 0 {
				e := s.c.Entry(d.entryID)
				it.Next, it.Prev = e.Next, e.Prev
			}
		case kindInterval:
			if d.current != nil {
				if last := d.current.LastRunAt(); !last.IsZero() {
					it.Next = last.Add(d.every)
				}
			}
		case kindOnce:
			it.Next = d.at
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}
