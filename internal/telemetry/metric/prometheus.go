package metric

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedcheck"

// Registry holds all application metrics.
//
// Every method is safe to call on a nil *Registry, which records nothing.
type Registry struct {
	registry *prometheus.Registry

	// Verification metrics
	CyclesTotal      *prometheus.CounterVec
	MismatchesTotal  *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	BatchesApplied   prometheus.Counter
	MutationsApplied prometheus.Counter
	SnapshotEntries  prometheus.Gauge

	// Store interaction metrics
	RetriesTotal    *prometheus.CounterVec
	PopFailures     prometheus.Counter
	FaultsInjected  *prometheus.CounterVec
	CommitsTotal    prometheus.Counter
	CommitFailures  prometheus.Counter
	CommitMutations prometheus.Counter
}

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// NewRegistry creates a new metrics registry with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Verification cycles completed, by result",
		}, []string{"result"}),
		MismatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatches_total",
			Help:      "Predicted/observed state mismatches, by kind",
		}, []string{"kind"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a verification cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		BatchesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_applied_total",
			Help:      "Mutation batches replayed by the reconstructor",
		}),
		MutationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Mutations replayed by the reconstructor",
		}),
		SnapshotEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_entries",
			Help:      "Entries in the most recent observed snapshot",
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Store operations retried after a transient error, by operation",
		}, []string{"op"}),
		PopFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pop_failures_total",
			Help:      "Change feed pops that failed after all attempts",
		}),
		FaultsInjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_injected_total",
			Help:      "Transient faults injected into store operations, by operation",
		}, []string{"op"}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "commits_total",
			Help:      "Workload transactions committed",
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "commit_failures_total",
			Help:      "Workload transactions abandoned after a fatal error",
		}),
		CommitMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "mutations_total",
			Help:      "Mutations committed by the workload",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.CyclesTotal,
		r.MismatchesTotal,
		r.CycleDuration,
		r.BatchesApplied,
		r.MutationsApplied,
		r.SnapshotEntries,
		r.RetriesTotal,
		r.PopFailures,
		r.FaultsInjected,
		r.CommitsTotal,
		r.CommitFailures,
		r.CommitMutations,
	)

	return r
}

// Registerer exposes the underlying registry for components that own
// their collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the underlying registry for reads.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordCycle records a completed verification cycle.
func (r *Registry) RecordCycle(match bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "match"
	if !match {
		result = "mismatch"
	}
	r.CyclesTotal.WithLabelValues(result).Inc()
	r.CycleDuration.Observe(d.Seconds())
}

// RecordMismatch records a mismatch of kind "size" or "content".
func (r *Registry) RecordMismatch(kind string) {
	if r == nil {
		return
	}
	r.MismatchesTotal.WithLabelValues(kind).Inc()
}

// AddApplied records reconstructor work.
func (r *Registry) AddApplied(batches, mutations int) {
	if r == nil {
		return
	}
	r.BatchesApplied.Add(float64(batches))
	r.MutationsApplied.Add(float64(mutations))
}

// SetSnapshotEntries records the size of the latest observed snapshot.
func (r *Registry) SetSnapshotEntries(n int) {
	if r == nil {
		return
	}
	r.SnapshotEntries.Set(float64(n))
}

// RecordRetry records a retried store operation.
func (r *Registry) RecordRetry(op string) {
	if r == nil {
		return
	}
	r.RetriesTotal.WithLabelValues(op).Inc()
}

// IncPopFailure records a pop that did not complete.
func (r *Registry) IncPopFailure() {
	if r == nil {
		return
	}
	r.PopFailures.Inc()
}

// RecordFault records an injected fault.
func (r *Registry) RecordFault(op string) {
	if r == nil {
		return
	}
	r.FaultsInjected.WithLabelValues(op).Inc()
}

// RecordCommit records a workload commit of n mutations.
func (r *Registry) RecordCommit(n int) {
	if r == nil {
		return
	}
	r.CommitsTotal.Inc()
	r.CommitMutations.Add(float64(n))
}

// IncCommitFailure records an abandoned workload commit.
func (r *Registry) IncCommitFailure() {
	if r == nil {
		return
	}
	r.CommitFailures.Inc()
}
