// Package metrics exposes the process's Prometheus instrumentation:
// counters for writes, reads, elections, and catch-up rounds, plus a
// gauge tracking each replica's known end. This is ambient
// observability surface, carried the way any production service in
// this corpus instruments itself, independent of the log protocol
// itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this module exports, so call sites
// take one value instead of importing prometheus directly.
type Registry struct {
	AppendsTotal      *prometheus.CounterVec
	TruncatesTotal    *prometheus.CounterVec
	ReadsTotal        *prometheus.CounterVec
	ElectionsTotal    *prometheus.CounterVec
	ElectionFailures  *prometheus.CounterVec
	CatchupRounds     *prometheus.CounterVec
	ReplicaEnd        *prometheus.GaugeVec
	CoordinatorLosses *prometheus.CounterVec
}

// NewRegistry builds a Registry and registers every metric against
// reg. Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry; passing prometheus.DefaultRegisterer wires
// it into /metrics.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		AppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "appends_total",
			Help:      "Append calls that returned a definite result, by outcome.",
		}, []string{"outcome"}),
		TruncatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "truncates_total",
			Help:      "Truncate calls that returned a definite result, by outcome.",
		}, []string{"outcome"}),
		ReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "reads_total",
			Help:      "Reader.Read calls, by outcome.",
		}, []string{"outcome"}),
		ElectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "elections_total",
			Help:      "Coordinator elections attempted.",
		}, []string{"self"}),
		ElectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "election_failures_total",
			Help:      "Coordinator elections that exhausted their retry budget.",
		}, []string{"self"}),
		CatchupRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "catchup_rounds_total",
			Help:      "Catch-up loop rounds run, by outcome.",
		}, []string{"self", "outcome"}),
		ReplicaEnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replog",
			Name:      "replica_end",
			Help:      "Each replica's last known learned position.",
		}, []string{"replica"}),
		CoordinatorLosses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Name:      "coordinator_losses_total",
			Help:      "Times a coordinator was invalidated, by reason.",
		}, []string{"self", "reason"}),
	}
	reg.MustRegister(
		m.AppendsTotal,
		m.TruncatesTotal,
		m.ReadsTotal,
		m.ElectionsTotal,
		m.ElectionFailures,
		m.CatchupRounds,
		m.ReplicaEnd,
		m.CoordinatorLosses,
	)
	return m
}
