// Package metrics provides Prometheus metrics for the AVM repository.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Repository operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avm_operations_total",
			Help: "Total number of repository operations",
		},
		[]string{"op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avm_operation_duration_seconds",
			Help:    "Repository operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Sync metrics
	updateEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avm_update_entries_total",
			Help: "Update outcomes per difference entry",
		},
		[]string{"action"},
	)

	flattenedPathsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avm_flattened_paths_total",
			Help: "Total number of paths made concrete by flatten",
		},
	)

	// Database metrics
	txRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avm_tx_retries_total",
			Help: "Transactions retried after a transient failure",
		},
		[]string{"kind"},
	)

	// Content metrics
	contentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avm_content_operations_total",
			Help: "Total number of content store operations",
		},
		[]string{"backend", "op", "status"},
	)

	contentOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avm_content_operation_duration_seconds",
			Help:    "Content store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one repository operation.
func RecordOperation(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordUpdateEntry records the outcome of one update entry.
func RecordUpdateEntry(action string) {
	updateEntriesTotal.WithLabelValues(action).Inc()
}

// RecordFlattened adds n flattened paths.
func RecordFlattened(n int) {
	flattenedPathsTotal.Add(float64(n))
}

// RecordRetry records a transaction retry. It matches store.Options.OnRetry.
func RecordRetry(kind string) {
	txRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordContentOperation records one content store call.
func RecordContentOperation(backend, op string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	contentOperationsTotal.WithLabelValues(backend, op, status).Inc()
	contentOperationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. The path label is the
// matched route pattern so label cardinality stays bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.status, time.Since(start))
	})
}
