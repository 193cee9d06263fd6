// Package metrics exposes the Prometheus collectors for the backup core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished backup runs by aggregated status
	// (completed, partial, failed).
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashd_runs_total",
			Help: "Finished backup runs by aggregated status",
		},
		[]string{"status"},
	)

	// RunDuration observes wall-clock run duration.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stashd_run_duration_seconds",
			Help:    "Backup run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// OutcomesTotal counts per-destination outcome rows by terminal status.
	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashd_outcomes_total",
			Help: "Per-destination outcomes by terminal status",
		},
		[]string{"status"},
	)

	// ReapedRunsTotal counts outcome rows the reaper declared orphaned.
	ReapedRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stashd_reaped_runs_total",
			Help: "Outcome rows transitioned to failed by the reaper",
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(OutcomesTotal)
	prometheus.MustRegister(ReapedRunsTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
