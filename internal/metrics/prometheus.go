// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockAcquires tracks acquire attempts by lock type and outcome
	// (granted, conflict, denied, error).
	LockAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquires_total",
			Help: "Total lock acquire attempts by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// LockRenewals tracks renew attempts by outcome (renewed, not_owner, expired, error).
	LockRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_renewals_total",
			Help: "Total lock renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockReleases tracks releases by path (owner, forced, beacon).
	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_releases_total",
			Help: "Total lock releases by delivery path",
		},
		[]string{"path"},
	)

	// LockExpiriesObserved tracks leases found lapsed during renew attempts.
	// Passive expiry has no actor, so this only counts the lapses the service
	// happens to observe.
	LockExpiriesObserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_expiries_observed_total",
			Help: "Total lapsed leases observed at renew time",
		},
	)

	// ActiveLocks tracks currently active unexpired locks by scope,
	// refreshed from the diagnostic surface.
	ActiveLocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_locks",
			Help: "Current number of active unexpired locks by scope",
		},
		[]string{"scope"},
	)

	// StatusCacheOperations tracks status cache hit/miss ratio.
	StatusCacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_cache_operations_total",
			Help: "Total status cache operations by result (hit/miss)",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StoreOperationDuration tracks lock store operation duration.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_store_operation_duration_seconds",
			Help:    "Lock store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordAcquire records a lock acquire attempt.
func RecordAcquire(lockType, outcome string) {
	LockAcquires.WithLabelValues(lockType, outcome).Inc()
}

// RecordRenewal records a lock renewal attempt.
func RecordRenewal(outcome string) {
	LockRenewals.WithLabelValues(outcome).Inc()
}

// RecordRelease records a lock release by delivery path.
func RecordRelease(path string) {
	LockReleases.WithLabelValues(path).Inc()
}

// RecordExpiryObserved records a lapsed lease observed at renew time.
func RecordExpiryObserved() {
	LockExpiriesObserved.Inc()
}

// SetActiveLocks sets the active lock gauge for a scope.
func SetActiveLocks(scope string, count float64) {
	ActiveLocks.WithLabelValues(scope).Set(count)
}

// RecordStatusCacheOperation records a status cache hit or miss.
func RecordStatusCacheOperation(result string) {
	StatusCacheOperations.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordStoreOperation records a lock store operation duration.
func RecordStoreOperation(operation string, seconds float64) {
	StoreOperationDuration.WithLabelValues(operation).Observe(seconds)
}
