package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache layers reported by RecordLookup.
const (
	LayerLocal    = "local"
	LayerAncestor = "ancestor"
	LayerShared   = "shared"
	LayerBackend  = "backend"
)

// Commit outcomes reported by RecordCommit.
const (
	OutcomeCommitted = "committed"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	lookups        *prometheus.CounterVec
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	rollbacks      prometheus.Counter
	operations     *prometheus.CounterVec
	sharedWrites   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg skips
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_cache_lookups_total",
				Help: "Entity loads by the layer that answered them",
			},
			[]string{"layer", "result"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_commits_total",
				Help: "Transaction commits by outcome",
			},
			[]string{"outcome"},
		),
		commitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keystone_commit_duration_seconds",
				Help:    "Duration of transaction commits, including the pending drain",
				Buckets: prometheus.DefBuckets,
			},
		),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keystone_rollbacks_total",
				Help: "Transaction rollbacks",
			},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_pending_operations_total",
				Help: "Asynchronous writes by kind and result",
			},
			[]string{"op", "result"},
		),
		sharedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_shared_cache_writes_total",
				Help: "Shared cache compare-and-set attempts by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.commits, m.commitDuration, m.rollbacks, m.operations, m.sharedWrites)
	}
	return m
}

// RecordLookup counts a load answered by layer. found is false for confirmed absences.
func (m *Metrics) RecordLookup(layer string, found bool) {
	if m == nil {
		return
	}
	result := "hit"
	if !found {
		result = "absent"
	}
	m.lookups.WithLabelValues(layer, result).Inc()
}

// RecordCommit counts a commit and observes its duration.
func (m *Metrics) RecordCommit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.commitDuration.Observe(d.Seconds())
}

// RecordRollback counts a rollback.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// RecordOperation counts a resolved put or delete.
func (m *Metrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// RecordSharedWrite counts a shared cache compare-and-set.
func (m *Metrics) RecordSharedWrite(won bool) {
	if m == nil {
		return
	}
	result := "won"
	if !won {
		result = "lost"
	}
	m.sharedWrites.WithLabelValues(result).Inc()
}
