// Package metrics exposes prometheus instrumentation for the price engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's prometheus collectors. A nil *Metrics is safe
// to pass around; callers guard each use.
type Metrics struct {
	FetchAttempts *prometheus.CounterVec
	FetchFailures *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	BatchSubjects *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_fetch_attempts_total",
			Help: "HTTP fetch attempts by provider.",
		}, []string{"provider"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_fetch_failures_total",
			Help: "HTTP fetch failures by provider and error kind.",
		}, []string{"provider", "kind"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_resolutions_total",
			Help: "Price resolutions by source kind and outcome (resolved, skipped, errored).",
		}, []string{"source", "outcome"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_cache_hits_total",
			Help: "Staleness-cache hits by subject type.",
		}, []string{"subject_type"}),
		BatchSubjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardvault_batch_subjects",
			Help: "Counters of the most recent batch run.",
		}, []string{"counter"}),
	}

	reg.MustRegister(
		m.FetchAttempts,
		m.FetchFailures,
		m.Resolutions,
		m.CacheHits,
		m.BatchSubjects,
	)
	return m
}
