package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts Generate calls.
	// Labels: result (ok, cached, provider_error, exhausted, canceled)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of generation requests by result",
		},
		[]string{"result"},
	)

	// RetriesTotal counts backoff waits after a quota signal.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Total number of retries after rate-limit responses",
		},
	)

	UpstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "appforge",
			Subsystem: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of upstream provider calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
)
