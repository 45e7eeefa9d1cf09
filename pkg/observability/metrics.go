package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Decision metrics
	ChecksTotal        *prometheus.CounterVec
	ResolveDuration    *prometheus.HistogramVec
	StoreErrorsTotal   *prometheus.CounterVec
	FailClosedTotal    prometheus.Counter
	SingleflightShared prometheus.Counter

	// Cache metrics
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      *prometheus.CounterVec
	CacheStalePutsTotal   prometheus.Counter
	InvalidationsTotal    *prometheus.CounterVec
	InvalidationFallbacks *prometheus.CounterVec

	// Audit metrics
	AuditRecordsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		// Decision metrics
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_checks_total",
				Help: "Total number of permission checks by decision and reason",
			},
			[]string{"decision", "reason"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permgate_resolve_duration_seconds",
				Help:    "Time spent resolving an effective permission set from the store",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"status"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_store_errors_total",
				Help: "Total number of persistence failures during resolution",
			},
			[]string{"error_type"},
		),
		FailClosedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permgate_fail_closed_total",
				Help: "Checks denied because the store was unavailable",
			},
		),
		SingleflightShared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permgate_singleflight_shared_total",
				Help: "Cache misses served by an in-flight resolution for the same user",
			},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permgate_cache_hits_total",
				Help: "Total number of effective set cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_cache_misses_total",
				Help: "Total number of effective set cache misses",
			},
			[]string{"reason"},
		),
		CacheStalePutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permgate_cache_stale_puts_total",
				Help: "Resolved sets discarded because an invalidation raced the resolution",
			},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_invalidations_total",
				Help: "Total number of cache invalidations",
			},
			[]string{"scope", "status"},
		),
		InvalidationFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_invalidation_fallbacks_total",
				Help: "Invalidations that fell back to zero TTL expiry",
			},
			[]string{"status"},
		),

		// Audit metrics
		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permgate_audit_records_total",
				Help: "Total number of audit records written",
			},
			[]string{"action", "status"},
		),

		// Database metrics
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permgate_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permgate_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permgate_db_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ChecksTotal,
		m.ResolveDuration,
		m.StoreErrorsTotal,
		m.FailClosedTotal,
		m.SingleflightShared,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheStalePutsTotal,
		m.InvalidationsTotal,
		m.InvalidationFallbacks,
		m.AuditRecordsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// The helpers below are safe to call on a nil *Metrics so components can run
// without a registry.

// RecordCheck counts a permission decision
func (m *Metrics) RecordCheck(allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.ChecksTotal.WithLabelValues(decision, reason).Inc()
}

// RecordFailClosed counts a check denied because the store failed
func (m *Metrics) RecordFailClosed(errorType string) {
	if m == nil {
		return
	}
	m.FailClosedTotal.Inc()
	m.StoreErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordResolve observes the duration of a store resolution
func (m *Metrics) RecordResolve(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ResolveDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordShared counts a miss that joined an in-flight resolution
func (m *Metrics) RecordShared() {
	if m == nil {
		return
	}
	m.SingleflightShared.Inc()
}

// RecordCacheHit counts a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss counts a cache miss by reason (absent, inconsistent, error)
func (m *Metrics) RecordCacheMiss(reason string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(reason).Inc()
}

// RecordStalePut counts a resolved set dropped because of a racing invalidation
func (m *Metrics) RecordStalePut() {
	if m == nil {
		return
	}
	m.CacheStalePutsTotal.Inc()
}

// RecordInvalidation counts an invalidation by scope (user, all)
func (m *Metrics) RecordInvalidation(scope string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.InvalidationsTotal.WithLabelValues(scope, status).Inc()
}

// RecordInvalidationFallback counts a zero TTL fallback
func (m *Metrics) RecordInvalidationFallback(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.InvalidationFallbacks.WithLabelValues(status).Inc()
}

// RecordAudit counts an audit write
func (m *Metrics) RecordAudit(action string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AuditRecordsTotal.WithLabelValues(action, status).Inc()
}

// RecordDBStats copies connection pool statistics into gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// pathLabel maps a request to a bounded label, typically the route template.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := pathLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
