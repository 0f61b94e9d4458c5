// Package metrics exposes the prometheus collectors shared by the buffer
// pool, WAL, and transaction manager. Collectors are registered lazily
// against a package-level registry so tests can import the package
// without standing up an HTTP handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the collector registry the engine registers into. Callers
// that want to expose /metrics can wrap this with promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var (
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsql_buffer_cache_hits_total",
		Help: "Number of StorageManager.Read calls served from the LRU cache.",
	}, []string{"table"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsql_buffer_cache_misses_total",
		Help: "Number of StorageManager.Read calls that hit disk.",
	}, []string{"table"})

	PageEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsql_buffer_pool_evictions_total",
		Help: "Number of pages evicted from the LRU buffer pool.",
	}, []string{"table"})

	WALAppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsql_wal_append_seconds",
		Help:    "Latency of a single WAL record append (excluding fsync).",
		Buckets: prometheus.DefBuckets,
	})

	WALFlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsql_wal_flush_seconds",
		Help:    "Latency of WAL.Flush (fsync of the log file).",
		Buckets: prometheus.DefBuckets,
	})

	LockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rsql_lock_wait_seconds",
		Help:    "Time spent waiting on the table lock condition variable.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsql_lock_timeouts_total",
		Help: "Number of acquire_read_locks/acquire_write_locks calls that timed out.",
	})
)

func init() {
	Registry.MustRegister(
		CacheHits,
		CacheMisses,
		PageEvictions,
		WALAppendLatency,
		WALFlushLatency,
		LockWaitSeconds,
		LockTimeouts,
	)
}
