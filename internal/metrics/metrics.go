// Package metrics provides Prometheus metrics for bucketfs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketfs_store_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketfs_store_operations_total",
			Help: "Total object store operations",
		},
		[]string{"operation", "status"},
	)

	// Tree metrics
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketfs_refresh_total",
			Help: "Directory refresh requests, by whether the TTL allowed skipping the listing",
		},
		[]string{"result"},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketfs_tree_nodes",
			Help: "Number of nodes in the path table",
		},
	)

	dirtyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketfs_dirty_queue_depth",
			Help: "Number of entries waiting for write-back",
		},
	)

	flushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketfs_flush_total",
			Help: "Write-back attempts",
		},
		[]string{"status"},
	)

	// Cache transfer metrics
	bytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bucketfs_cache_bytes_fetched_total",
			Help: "Bytes downloaded into the local cache",
		},
	)

	bytesPushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bucketfs_cache_bytes_pushed_total",
			Help: "Bytes uploaded from the local cache",
		},
	)

	// Handler metrics
	handlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketfs_handler_errors_total",
			Help: "Filesystem operations that returned an error",
		},
		[]string{"operation", "kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordStoreOperation records an object store call.
func RecordStoreOperation(operation string, duration time.Duration, success bool) {
	storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	storeOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordRefresh records whether a refresh was served within the TTL.
func RecordRefresh(fresh bool) {
	result := "listed"
	if fresh {
		result = "fresh"
	}
	refreshTotal.WithLabelValues(result).Inc()
}

// SetTreeNodes sets the current path table size.
func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// SetDirtyQueueDepth sets the current dirty queue length.
func SetDirtyQueueDepth(n int) {
	dirtyQueueDepth.Set(float64(n))
}

// RecordFlush records a single write-back.
func RecordFlush(success bool) {
	flushTotal.WithLabelValues(status(success)).Inc()
}

// RecordFetch records bytes downloaded into the cache.
func RecordFetch(bytes int64) {
	bytesFetched.Add(float64(bytes))
}

// RecordPush records bytes uploaded from the cache.
func RecordPush(bytes int64) {
	bytesPushed.Add(float64(bytes))
}

// RecordHandlerError records a failed filesystem operation.
func RecordHandlerError(operation, kind string) {
	handlerErrorsTotal.WithLabelValues(operation, kind).Inc()
}
