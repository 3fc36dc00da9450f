// Package metrics provides the Prometheus registry reference and the /metrics
// handler for the market-data cache.
// All metrics are defined in their respective packages (client, cache, edge,
// ratelimit) to maintain modularity and avoid circular dependencies.
//
// This package also documents every available metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by all packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Names lists every metric exported by the module.
var Names = []string{
	"cg_cache_hits_total",
	"cg_cache_misses_total",
	"cg_cache_stale_served_total",
	"cg_cache_entries",
	"cg_cache_errors_total",
	"cg_requests_total",
	"cg_request_duration_seconds",
	"cg_errors_total",
	"cg_inflight_shared_total",
	"cg_retries_total",
	"cg_retry_backoff_seconds",
	"cg_retry_exhausted_total",
	"cg_proxy_responses_total",
	"cg_proxy_upstream_duration_seconds",
	"cg_upstream_healthy",
	"cg_upstream_cooldown_seconds",
	"cg_upstream_rate_limited_total",
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache, pkg/edge):
//   - cg_cache_hits_total{layer} (Counter): Fresh hits by layer (memory, durable, proxy)
//   - cg_cache_misses_total{layer} (Counter): Lookups that went upstream
//   - cg_cache_stale_served_total{layer} (Counter): Stale values served after upstream failure
//   - cg_cache_entries{layer} (Gauge): Entries held by the in-memory layers
//   - cg_cache_errors_total{operation} (Counter): Durable store errors (get, set, delete, scan, decode)
//
// Request Metrics (pkg/client):
//   - cg_requests_total{status} (Counter): Upstream requests by HTTP status or transport_error
//   - cg_request_duration_seconds (Histogram): Upstream request duration
//   - cg_errors_total{kind} (Counter): Failed requests by error kind
//   - cg_inflight_shared_total (Counter): Calls served by another caller's in-flight request
//
// Retry Metrics (pkg/client):
//   - cg_retries_total{error_kind} (Counter): Retry attempts by error kind
//   - cg_retry_backoff_seconds{error_kind} (Histogram): Backoff duration by error kind
//   - cg_retry_exhausted_total{error_kind} (Counter): Requests that used up every attempt
//
// Proxy Metrics (pkg/edge):
//   - cg_proxy_responses_total{cache_state} (Counter): Responses by HIT, MISS, STALE, BYPASS, rejected, error
//   - cg_proxy_upstream_duration_seconds (Histogram): Upstream duration seen by the proxy
//
// Upstream Health Metrics (pkg/ratelimit):
//   - cg_upstream_healthy (Gauge): 1 when upstream is considered healthy
//   - cg_upstream_cooldown_seconds (Gauge): Remaining Retry-After cooldown
//   - cg_upstream_rate_limited_total (Counter): 429 responses observed
//
// Example Prometheus Queries:
//
//   # Client cache hit rate
//   sum(rate(cg_cache_hits_total{layer!="proxy"}[5m])) /
//   (sum(rate(cg_cache_hits_total{layer!="proxy"}[5m])) + sum(rate(cg_cache_misses_total{layer="memory"}[5m])))
//
//   # Share of proxy responses served stale
//   sum(rate(cg_proxy_responses_total{cache_state="STALE"}[5m])) / sum(rate(cg_proxy_responses_total[5m]))
//
//   # Upstream rate limiting
//   cg_upstream_cooldown_seconds > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(cg_request_duration_seconds_bucket[5m]))
