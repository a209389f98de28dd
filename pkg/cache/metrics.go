package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiki_cache_hits_total",
			Help: "Total number of API response cache hits",
		},
		[]string{"backend"}, // "file", "redis"
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiki_cache_misses_total",
			Help: "Total number of API response cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "mismatch", "invalid"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiki_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete"
	)
)
