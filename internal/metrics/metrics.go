// Package metrics holds the prometheus collectors of the pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "status"

// Metrics is the set of collectors shared by dispatcher, worker and sweeper.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	JobsEnqueued     prometheus.Counter
	EnqueueFailures  prometheus.Counter
	DispatchStandby  prometheus.Counter
	ChecksCompleted  *prometheus.CounterVec
	CheckDuration    *prometheus.HistogramVec
	EntriesAcked     prometheus.Counter
	EntriesReclaimed prometheus.Counter
	EntriesDropped   prometheus.Counter
	DeadLettered     prometheus.Counter
	RetentionDeleted prometheus.Counter
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "jobs_enqueued_total",
			Help: "Check jobs appended to the stream.",
		}),
		EnqueueFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "enqueue_failures_total",
			Help: "Dispatch cycles whose bulk append failed part way.",
		}),
		DispatchStandby: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "standby_cycles_total",
			Help: "Cycles skipped because another dispatcher holds the lease.",
		}),
		ChecksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "checks_total",
			Help: "Recorded check results by status.",
		}, []string{"status"}),
		CheckDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "check_duration_seconds",
			Help:    "Probe latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		EntriesAcked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "entries_acked_total",
			Help: "Stream entries acknowledged.",
		}),
		EntriesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "entries_reclaimed_total",
			Help: "Idle pending entries claimed from other consumers.",
		}),
		EntriesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "entries_dropped_total",
			Help: "Malformed entries acknowledged without processing.",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "dead_lettered_total",
			Help: "Entries moved to the dead letter stream after too many deliveries.",
		}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "checks_deleted_total",
			Help: "Check results removed by retention.",
		}),
	}
}

// AddEnqueued counts appended jobs
func (m *Metrics) AddEnqueued(n int) {
	if m != nil {
		m.JobsEnqueued.Add(float64(n))
	}
}

// IncEnqueueFailure counts a failed bulk append
func (m *Metrics) IncEnqueueFailure() {
	if m != nil {
		m.EnqueueFailures.Inc()
	}
}

// IncStandby counts a cycle skipped for the lease
func (m *Metrics) IncStandby() {
	if m != nil {
		m.DispatchStandby.Inc()
	}
}

// ObserveCheck counts a recorded result and its latency
func (m *Metrics) ObserveCheck(status, typ string, seconds float64) {
	if m != nil {
		m.ChecksCompleted.WithLabelValues(status).Inc()
		m.CheckDuration.WithLabelValues(typ).Observe(seconds)
	}
}

// AddAcked counts acknowledged entries
func (m *Metrics) AddAcked(n int) {
	if m != nil {
		m.EntriesAcked.Add(float64(n))
	}
}

// AddReclaimed counts claimed idle entries
func (m *Metrics) AddReclaimed(n int) {
	if m != nil {
		m.EntriesReclaimed.Add(float64(n))
	}
}

// IncDropped counts a poison entry
func (m *Metrics) IncDropped() {
	if m != nil {
		m.EntriesDropped.Inc()
	}
}

// IncDeadLettered counts an entry moved to the dead letter stream
func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.DeadLettered.Inc()
	}
}

// AddRetentionDeleted counts removed results
func (m *Metrics) AddRetentionDeleted(n int64) {
	if m != nil {
		m.RetentionDeleted.Add(float64(n))
	}
}
