package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes for gateway_requests_total.
const (
	resultHit       = "hit"
	resultMiss      = "miss"
	resultBypass    = "bypass"
	resultError     = "error"
	resultInvalid   = "invalid"
	resultAbandoned = "abandoned"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total gateway requests by method and result",
	}, []string{"method", "result"})

	sharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_singleflight_shared_total",
		Help: "Total callers served by a fetch shared with other callers",
	})

	inflightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_fetches",
		Help: "Number of upstream fetches currently in flight",
	})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_fetch_duration_seconds",
		Help:    "Duration of cache-miss upstream fetches by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)
