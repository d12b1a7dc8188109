package scheduler

import (
	"testing"

	"tasksched/internal/task"
)

func TestHistorySearchReturnsFirst(t *testing.T) {
	var h History
	first := task.OK(1, "first")
	h.Append(first)
	h.Append(task.OK(2, nil))
	h.Append(task.OK(1, "second"))

	r, ok := h.Search(1)
	if !ok || r.Serial() != first.Serial() {
		t.Fatalf("Search(1) = %v, want the first result", r)
	}
	if _, ok := h.Search(3); ok {
		t.Fatalf("Search found a missing id")
	}
	if !h.Has(2) || h.Has(3) {
		t.Fatalf("Has mismatch")
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	h := History{limit: 3}
	for i := range 5 {
		h.Append(task.OK(int64(i+1), nil))
	}
	all := h.All()
	if len(all) != 3 || all[0].TaskID() != 3 || all[2].TaskID() != 5 {
		t.Fatalf("history = %v", all)
	}

	h.SetLimit(1)
	if h.Len() != 1 || h.All()[0].TaskID() != 5 {
		t.Fatalf("SetLimit(1) kept %v", h.All())
	}

	h.SetLimit(0)
	for i := range 10 {
		h.Append(task.OK(int64(i), nil))
	}
	if h.Len() != 11 {
		t.Fatalf("unbounded history len = %d", h.Len())
	}
}

func TestHistoryRemoveAndClear(t *testing.T) {
	var h History
	a, b := task.OK(1, nil), task.OK(1, nil)
	h.Append(a)
	h.Append(b)

	if !h.Remove(a.Serial()) || h.Remove(a.Serial()) {
		t.Fatalf("Remove should succeed exactly once")
	}
	if r, _ := h.Search(1); r.Serial() != b.Serial() {
		t.Fatalf("wrong entry removed")
	}

	all := h.All()
	all[0] = task.OK(9, nil)
	if h.Has(9) {
		t.Fatalf("All returned an aliased slice")
	}

	h.Clear()
	if h.Len() != 0 || h.Has(1) {
		t.Fatalf("Clear left entries")
	}
}
