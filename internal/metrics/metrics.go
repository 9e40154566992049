// Package metrics exposes Prometheus collectors for the session store, the
// container orchestrator and the eviction sweep.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "moorage"

// Metrics holds the process collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	storeConflicts   *prometheus.CounterVec
	storeExhausted   *prometheus.CounterVec
	containerCreates prometheus.Counter
	recreations      *prometheus.CounterVec
	execs            *prometheus.CounterVec
	imageBuilds      *prometheus.CounterVec
	evictions        prometheus.Counter
	sweepDuration    prometheus.Histogram
	cleanups         prometheus.Counter
	tasks            *prometheus.GaugeVec
}

// New registers the collectors with reg. Collectors already registered
// (for example by an earlier New on the same registry) are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		storeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "conflicts_total",
			Help: "Optimistic update attempts that collided with a concurrent write.",
		}, []string{"op"}),
		storeExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "retries_exhausted_total",
			Help: "Updates abandoned after the retry budget was spent.",
		}, []string{"op"}),
		containerCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "containers", Name: "created_total",
			Help: "Sandbox containers created.",
		}),
		recreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "containers", Name: "recreated_total",
			Help: "Containers recreated during reconciliation, by reason.",
		}, []string{"reason"}),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exec", Name: "total",
			Help: "Commands executed in sandboxes, by result.",
		}, []string{"result"}),
		imageBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "image", Name: "builds_total",
			Help: "Sandbox image builds, by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "evictions_total",
			Help: "Idle containers evicted by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "duration_seconds",
			Help:    "Duration of inactivity sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "records_deleted_total",
			Help: "Session records purged by cleanup.",
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "in_flight",
			Help: "Tracked tasks currently running, by task name.",
		}, []string{"task"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.storeConflicts = register(reg, m.storeConflicts, &err)
	m.storeExhausted = register(reg, m.storeExhausted, &err)
	m.containerCreates = register(reg, m.containerCreates, &err)
	m.recreations = register(reg, m.recreations, &err)
	m.execs = register(reg, m.execs, &err)
	m.imageBuilds = register(reg, m.imageBuilds, &err)
	m.evictions = register(reg, m.evictions, &err)
	m.sweepDuration = register(reg, m.sweepDuration, &err)
	m.cleanups = register(reg, m.cleanups, &err)
	m.tasks = register(reg, m.tasks, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

// StoreConflict counts one conflicting update attempt.
func (m *Metrics) StoreConflict(op string) {
	if m == nil {
		return
	}
	m.storeConflicts.WithLabelValues(op).Inc()
}

// StoreRetriesExhausted counts one abandoned update.
func (m *Metrics) StoreRetriesExhausted(op string) {
	if m == nil {
		return
	}
	m.storeExhausted.WithLabelValues(op).Inc()
}

// ContainerCreated counts a new sandbox container.
func (m *Metrics) ContainerCreated() {
	if m == nil {
		return
	}
	m.containerCreates.Inc()
}

// ContainerRecreated counts a recreation during reconciliation.
func (m *Metrics) ContainerRecreated(reason string) {
	if m == nil {
		return
	}
	m.recreations.WithLabelValues(reason).Inc()
}

// Exec counts an executed command by result (success, failure, error).
func (m *Metrics) Exec(result string) {
	if m == nil {
		return
	}
	m.execs.WithLabelValues(result).Inc()
}

// ImageBuild counts an image build by result (ok, failed).
func (m *Metrics) ImageBuild(result string) {
	if m == nil {
		return
	}
	m.imageBuilds.WithLabelValues(result).Inc()
}

// Sweep records one sweep run and its evictions.
func (m *Metrics) Sweep(evicted int, took time.Duration) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(evicted))
	m.sweepDuration.Observe(took.Seconds())
}

// RecordsDeleted counts session records purged by cleanup.
func (m *Metrics) RecordsDeleted(n int) {
	if m == nil {
		return
	}
	m.cleanups.Add(float64(n))
}

// TaskStarted increments the in-flight gauge for task.
func (m *Metrics) TaskStarted(task string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task).Inc()
}

// TaskFinished decrements the in-flight gauge for task.
func (m *Metrics) TaskFinished(task string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task).Dec()
}
