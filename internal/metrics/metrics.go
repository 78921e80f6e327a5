// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificate_verifications_total",
			Help: "Total number of certificate verification runs by outcome",
		},
		[]string{"outcome"},
	)

	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certificate_verification_duration_seconds",
			Help:    "Certificate verification pipeline duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"outcome"},
	)

	CanonicalFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canonical_fetch_total",
			Help: "Total number of canonical certificate downloads by result",
		},
		[]string{"result"},
	)

	StaleResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_requests_reset_total",
			Help: "Total number of requests reset from processing to pending",
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)
