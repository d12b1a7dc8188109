package scheduler

import "tasksched/internal/task"

// History is the ordered record of persisted results, oldest first. It is
// guarded by the scheduler mutex.
type History struct {
	items []task.Result
	limit int // <= 0 unbounded
}

func (h *History) Append(r task.Result) {
	h.items = append(h.items, r)
	h.trim()
}

func (h *History) trim() {
	if h.limit <= 0 || len(h.items) <= h.limit {
		return
	}
	n := copy(h.items, h.items[len(h.items)-h.limit:])
	clear(h.items[n:])
	h.items = h.items[:n]
}

// Search returns the first result recorded for id.
func (h *History) Search(id int64) (task.Result, bool) {
	for _, r := range h.items {
		if r.TaskID() == id {
			return r, true
		}
	}
	return task.Result{}, false
}

func (h *History) Has(id int64) bool {
	_, ok := h.Search(id)
	return ok
}

func (h *History) All() []task.Result {
	return append([]task.Result(nil), h.items...)
}

func (h *History) Len() int { return len(h.items) }

func (h *History) Clear() { h.items = nil }

// Remove deletes the entry with the given serial.
func (h *History) Remove(serial uint64) bool {
	for i, r := range h.items {
		if r.Serial() == serial {
			h.items = append(h.items[:i], h.items[i+1:]...)
			return true
		}
	}
	return false
}

func (h *History) SetLimit(n int) {
	h.limit = n
	h.trim()
}
