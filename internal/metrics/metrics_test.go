package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StoreConflict("register_task")
	m.ContainerCreated()
	m.Sweep(3, time.Second)
	m.TaskStarted("exec")
	m.TaskFinished("exec")
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.StoreConflict("register_task")
	m.StoreConflict("register_task")
	m.ContainerCreated()
	m.Exec("success")
	m.Sweep(2, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.storeConflicts.WithLabelValues("register_task")); got != 2 {
		t.Fatalf("conflicts = %v", got)
	}
	if got := testutil.ToFloat64(m.containerCreates); got != 1 {
		t.Fatalf("creates = %v", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 2 {
		t.Fatalf("evictions = %v", got)
	}
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	first.ContainerCreated()
	second.ContainerCreated()
	if got := testutil.ToFloat64(first.containerCreates); got != 2 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}
