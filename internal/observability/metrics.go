package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds all Prometheus metric instruments for the onboarding service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Registration metrics
	SubmissionsTotal  *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	ActivationsTotal  prometheus.Counter
	DraftOperations   *prometheus.CounterVec
	IdempotentReplays prometheus.Counter

	// Allocator metrics
	CodeAllocationsTotal   *prometheus.CounterVec
	CodeAllocationRetries  *prometheus.CounterVec
	CodeAllocationDuration *prometheus.HistogramVec

	// Audit metrics
	AuditEntriesTotal       *prometheus.CounterVec
	AuditVerificationsTotal *prometheus.CounterVec
	AuditBrokenLinksTotal   prometheus.Counter
	AuditArchivesTotal      *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal          *prometheus.CounterVec
	NotifierCircuitBreakerState prometheus.Gauge

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Registration
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_submissions_total",
			Help: "Total number of registration submissions by outcome.",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_decisions_total",
			Help: "Total number of step decisions recorded.",
		}, []string{"step", "decision"}),
		ActivationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_activations_total",
			Help: "Total number of applications activated.",
		}),
		DraftOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_draft_operations_total",
			Help: "Total number of draft operations by result.",
		}, []string{"operation", "result"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_idempotent_replays_total",
			Help: "Total number of responses replayed from the idempotency store.",
		}),

		// Allocator
		CodeAllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_code_allocations_total",
			Help: "Total number of supplier codes allocated.",
		}, []string{"prefix", "mode"}),
		CodeAllocationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_code_allocation_retries_total",
			Help: "Total number of retried code binding transactions.",
		}, []string{"prefix"}),
		CodeAllocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_code_allocation_duration_seconds",
			Help:    "Code binding transaction duration in seconds, including retries.",
			Buckets: storeDurationBuckets,
		}, []string{"prefix"}),

		// Audit
		AuditEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_audit_entries_total",
			Help: "Total number of audit entries appended.",
		}, []string{"action", "sensitive"}),
		AuditVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_audit_verifications_total",
			Help: "Total number of audit chain verifications by result.",
		}, []string{"result"}),
		AuditBrokenLinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_audit_broken_links_total",
			Help: "Total number of broken audit chain links found.",
		}),
		AuditArchivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_audit_archives_total",
			Help: "Total number of audit archive operations by status.",
		}, []string{"status"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_notifications_total",
			Help: "Total number of notifications by kind and result.",
		}, []string{"kind", "result"}),
		NotifierCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onboarding_notifier_circuit_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Registration
		m.SubmissionsTotal,
		m.DecisionsTotal,
		m.ActivationsTotal,
		m.DraftOperations,
		m.IdempotentReplays,
		// Allocator
		m.CodeAllocationsTotal,
		m.CodeAllocationRetries,
		m.CodeAllocationDuration,
		// Audit
		m.AuditEntriesTotal,
		m.AuditVerificationsTotal,
		m.AuditBrokenLinksTotal,
		m.AuditArchivesTotal,
		// Notifications
		m.NotificationsTotal,
		m.NotifierCircuitBreakerState,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without a registry in tests and CLIs.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records a submission outcome such as "accepted",
// "blacklisted", or "duplicate".
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordDecision records a step decision.
func (m *Metrics) RecordDecision(step, decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(step, decision).Inc()
}

// RecordActivation records an application reaching activated.
func (m *Metrics) RecordActivation() {
	if m == nil {
		return
	}
	m.ActivationsTotal.Inc()
}

// RecordDraftOperation records a draft save or load.
func (m *Metrics) RecordDraftOperation(operation, result string) {
	if m == nil {
		return
	}
	m.DraftOperations.WithLabelValues(operation, result).Inc()
}

// RecordIdempotentReplay records a replayed response.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}

// RecordCodeAllocation records a bound supplier code. Mode is "auto" or
// "requested".
func (m *Metrics) RecordCodeAllocation(prefix, mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CodeAllocationsTotal.WithLabelValues(prefix, mode).Inc()
	m.CodeAllocationDuration.WithLabelValues(prefix).Observe(duration.Seconds())
}

// RecordCodeAllocationRetry records a retried binding transaction.
func (m *Metrics) RecordCodeAllocationRetry(prefix string) {
	if m == nil {
		return
	}
	m.CodeAllocationRetries.WithLabelValues(prefix).Inc()
}

// RecordAuditEntry records an appended audit entry.
func (m *Metrics) RecordAuditEntry(action string, sensitive bool) {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.WithLabelValues(action, strconv.FormatBool(sensitive)).Inc()
}

// RecordAuditVerification records a chain walk and the breaks it found.
func (m *Metrics) RecordAuditVerification(valid bool, brokenLinks int) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.AuditVerificationsTotal.WithLabelValues(result).Inc()
	m.AuditBrokenLinksTotal.Add(float64(brokenLinks))
}

// RecordAuditArchive records an archive or archive verification.
func (m *Metrics) RecordAuditArchive(status string) {
	if m == nil {
		return
	}
	m.AuditArchivesTotal.WithLabelValues(status).Inc()
}

// RecordNotification records a notification attempt.
func (m *Metrics) RecordNotification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// SetNotifierCircuitBreakerState sets the notifier circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.NotifierCircuitBreakerState.Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
