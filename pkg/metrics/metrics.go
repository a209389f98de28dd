// Package metrics documents the Prometheus metrics exported by the wiki API
// client and serves them over HTTP. Metrics are defined in their respective
// packages (client, transport, cache, ratelimit, pagination) and registered
// via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - wiki_requests_total{action, outcome} (Counter): API requests by action and outcome
//     (success, simulated, construction, transport, server, session_expired, timeout, cancelled)
//   - wiki_request_duration_seconds{action} (Histogram): Request duration including retries
//   - wiki_relogins_total{site} (Counter): Re-logins after session expiry
//
// Retry Metrics (pkg/client):
//   - wiki_retries_total{reason} (Counter): Retry attempts by reason (transport, parse, server, conflict)
//   - wiki_retry_backoff_seconds{reason} (Histogram): Backoff duration by reason
//   - wiki_retry_exhausted_total{reason} (Counter): Requests that exhausted the retry budget
//
// Transport Metrics (pkg/transport):
//   - wiki_http_requests_total{site, code} (Counter): HTTP exchanges by status code
//   - wiki_http_request_duration_seconds{site} (Histogram): HTTP exchange duration
//
// Throttle Metrics (pkg/ratelimit):
//   - wiki_throttle_wait_seconds{kind} (Histogram): Time waited for a read or write slot
//   - wiki_lag_pauses_total{site} (Counter): Pauses caused by server replication lag
//
// Cache Metrics (pkg/cache):
//   - wiki_cache_hits_total{backend} (Counter): Cache hits by backend (file, redis)
//   - wiki_cache_misses_total{reason} (Counter): Misses by reason (absent, expired, mismatch, invalid)
//   - wiki_cache_errors_total{operation} (Counter): Cache operation errors
//
// Query Metrics (pkg/pagination):
//   - wiki_query_rounds_total{module} (Counter): Continuation rounds by query module
//   - wiki_query_items_total{module} (Counter): Items yielded by query module
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(wiki_cache_hits_total[5m])) /
//	(sum(rate(wiki_cache_hits_total[5m])) + sum(rate(wiki_cache_misses_total[5m])))
//
//	# Lag Pauses per Site
//	rate(wiki_lag_pauses_total[5m])
//
//	# Failed Request Rate
//	sum(rate(wiki_requests_total{outcome!~"success|simulated"}[5m]))
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(wiki_request_duration_seconds_bucket[5m]))
