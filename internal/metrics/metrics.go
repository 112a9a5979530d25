// Package metrics provides Prometheus metrics for the sds server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sds_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transactions
	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_transactions_total",
			Help: "Upload transactions by outcome (started, committed, aborted, rolled_back)",
		},
		[]string{"artifact", "outcome"},
	)

	leaseConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_lease_conflicts_total",
			Help: "Requests rejected because of a lease conflict or busy artifact",
		},
		[]string{"artifact"},
	)

	integrityFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_integrity_failures_total",
			Help: "Uploaded files whose content hash did not match",
		},
		[]string{"artifact"},
	)

	// Content transfer
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sds_content_bytes_uploaded_total",
			Help: "Total bytes accepted into upload generations",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sds_content_bytes_downloaded_total",
			Help: "Total bytes served from current generations",
		},
	)

	// Index cache
	indexCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_index_cache_total",
			Help: "Index cache lookups by result",
		},
		[]string{"result"},
	)

	indexBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sds_index_build_duration_seconds",
			Help:    "Time to hash a current generation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Archival
	archiveRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_archive_runs_total",
			Help: "Snapshot archival runs",
		},
		[]string{"backend", "status"},
	)

	// Auth
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sds_auth_attempts_total",
			Help: "Total authorization checks",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransaction records a transaction state change.
func RecordTransaction(artifact, outcome string) {
	transactionsTotal.WithLabelValues(artifact, outcome).Inc()
}

// RecordLeaseConflict records a rejected lease or busy check.
func RecordLeaseConflict(artifact string) {
	leaseConflictsTotal.WithLabelValues(artifact).Inc()
}

// RecordIntegrityFailure records an upload checksum mismatch.
func RecordIntegrityFailure(artifact string) {
	integrityFailuresTotal.WithLabelValues(artifact).Inc()
}

// RecordUpload adds accepted upload bytes.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// RecordDownload adds served download bytes.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordIndexCache records an index cache lookup.
func RecordIndexCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	indexCacheTotal.WithLabelValues(result).Inc()
}

// RecordIndexBuild records how long hashing a generation took.
func RecordIndexBuild(duration time.Duration) {
	indexBuildDuration.Observe(duration.Seconds())
}

// RecordArchiveRun records one snapshot archival.
func RecordArchiveRun(backend string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archiveRunsTotal.WithLabelValues(backend, status).Inc()
}

// RecordAuthAttempt records an authorization check.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their matched route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
