package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache layers used as metric label values.
const (
	LayerMemory  = "memory"
	LayerDurable = "durable"
	LayerProxy   = "proxy"
)

var (
	// CacheHits tracks fresh cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_cache_hits_total",
			Help: "Total number of fresh cache hits",
		},
		[]string{"layer"}, // "memory", "durable", "proxy"
	)

	// CacheMisses tracks lookups that had to go upstream
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// StaleServed tracks stale entries served after an upstream failure
	StaleServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_cache_stale_served_total",
			Help: "Total number of stale entries served as an error fallback",
		},
		[]string{"layer"},
	)

	// CacheEntries tracks the number of entries held by in-memory layers
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cg_cache_entries",
			Help: "Current number of entries in in-memory cache layers",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan", "decode"
	)
)
