package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Submitted("one_shot")
	m.Result("one_shot", "ok", time.Second)
	m.Workers(2, 1)
	m.Background(true)
}

func TestRecordsAndReusesCollectors(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	m, err := New(reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Submitted("one_shot")
	m.Submitted("one_shot")
	m.Result("periodic", "removed", 0)
	m.Workers(3, 1)
	m.Dropped()

	if got := testutil.ToFloat64(m.submitted.WithLabelValues("one_shot")); got != 2 {
		t.Fatalf("submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.results.WithLabelValues("periodic", "removed")); got != 1 {
		t.Fatalf("results = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.workers.WithLabelValues("busy")); got != 2 {
		t.Fatalf("busy workers = %v, want 2", got)
	}

	again, err := New(reg, Options{})
	if err != nil {
		t.Fatalf("second New on same registry: %v", err)
	}
	again.Dropped()
	if got := testutil.ToFloat64(m.dropped); got != 2 {
		t.Fatalf("dropped = %v, want 2 (collectors shared)", got)
	}
}
