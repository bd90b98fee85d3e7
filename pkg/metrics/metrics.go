// Package metrics exposes the Prometheus registry the gateway packages register with.
// Collectors are declared in the package that owns them (cache, client, gateway, ratelimit)
// via promauto; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer promauto uses across the module.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the gathered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Gateway Metrics (pkg/gateway):
//   - gateway_requests_total{method, result} (Counter): result is hit, miss, bypass, error, invalid or abandoned
//   - gateway_singleflight_shared_total (Counter): Callers served by a fetch shared with other callers
//   - gateway_inflight_fetches (Gauge): Upstream fetches currently in flight
//   - gateway_fetch_duration_seconds{method} (Histogram): Cache-miss fetch duration
//
// Cache Metrics (pkg/cache):
//   - gateway_cache_hits_total{layer} (Counter): Store hits by layer (redis, memcache, memory)
//   - gateway_cache_misses_total{layer} (Counter): Store misses by layer
//   - gateway_cache_stored_bytes_total{layer} (Counter): Bytes written to the store
//   - gateway_cache_errors_total{layer, operation} (Counter): Store operation errors
//
// Upstream Metrics (pkg/client):
//   - gateway_upstream_requests_total{method, status} (Counter): Upstream requests by method and HTTP status
//   - gateway_upstream_request_duration_seconds{method} (Histogram): Upstream request duration
//   - gateway_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - gateway_upstream_retries_total{error_class} (Counter): Retry attempts by error class
//   - gateway_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gateway_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gateway_ratelimit_remaining (Gauge): Upstream requests left in the current window
//   - gateway_ratelimit_blocks_total (Counter): Requests held back because the budget was spent
//   - gateway_ratelimit_throttles_total (Counter): Requests delayed because the budget was low
//
// Example Prometheus Queries:
//
//   # Gateway hit rate
//   sum(rate(gateway_requests_total{result="hit"}[5m])) /
//   sum(rate(gateway_requests_total{result=~"hit|miss"}[5m]))
//
//   # Upstream calls saved by single-flight
//   rate(gateway_singleflight_shared_total[5m])
//
//   # Upstream error rate
//   sum by (class) (rate(gateway_upstream_errors_total[5m]))
//
//   # P95 miss latency
//   histogram_quantile(0.95, rate(gateway_fetch_duration_seconds_bucket[5m]))
