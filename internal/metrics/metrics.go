// Package metrics holds the Prometheus collectors of the batch downloader.
// Collectors are registered on the default registry and served by /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatcher and reconciler.
var (
	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchdl_active_downloads",
		Help: "Jobs currently counted against the global download limit.",
	})

	ProcessingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchdl_processing_tasks",
		Help: "Batch tasks the dispatcher is currently pumping.",
	})

	DispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_items_dispatched_total",
		Help: "Items handed to the download engine.",
	})

	DispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_dispatch_failures_total",
		Help: "Items that failed before the engine accepted them.",
	})

	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchdl_items_reconciled_total",
		Help: "Engine events folded into an item, by outcome.",
	}, []string{"outcome"})

	ReconcileMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_reconcile_misses_total",
		Help: "Engine events that could not be matched to a task item.",
	})
)

// Engine.
var (
	EngineJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchdl_engine_jobs_total",
		Help: "Engine jobs finished, by job type and outcome.",
	}, []string{"type", "outcome"})

	EngineBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_engine_bytes_total",
		Help: "Bytes written by finished engine jobs.",
	})

	TitleCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_title_cache_hits_total",
		Help: "Title lookups answered from the cache.",
	})

	TitleCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_title_cache_misses_total",
		Help: "Title lookups that went to the network.",
	})
)

// Storage and cleanup.
var (
	StorageUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchdl_storage_used_bytes",
		Help: "Bytes used under the download directory at the last scan.",
	})

	CleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_cleanup_runs_total",
		Help: "Automatic cleanup runs.",
	})

	CleanupDeletedTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_cleanup_deleted_tasks_total",
		Help: "Tasks removed by automatic cleanup.",
	})

	CleanupFreedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_cleanup_freed_bytes_total",
		Help: "Bytes freed by automatic cleanup.",
	})

	ExportedObjectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchdl_exported_objects_total",
		Help: "Objects uploaded to the export bucket.",
	})
)

// HTTP.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchdl_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchdl_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Middleware records request counts and latency. The matched gin route is
// used as label so task ids do not blow up cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
