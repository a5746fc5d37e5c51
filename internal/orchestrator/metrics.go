package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts finished sessions.
	// Labels: result (passed, failed, errored)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Total number of pipeline sessions by result",
		},
		[]string{"result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appforge",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	// RepairsTotal counts debugger invocations.
	// Labels: source (pipeline, on_demand), result (fixed, no_fix, error)
	RepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "pipeline",
			Name:      "repairs_total",
			Help:      "Total number of repair attempts",
		},
		[]string{"source", "result"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appforge",
			Subsystem: "pipeline",
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		},
	)
)
