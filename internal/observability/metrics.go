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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stageDurationBuckets   = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Run metrics
	RunsTotal *prometheus.CounterVec

	// Stage metrics
	StageExecutionsTotal *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// SLA monitor metrics
	EscalationsTotal *prometheus.CounterVec

	// System metrics
	PipelinesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confirmd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confirmd_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_runs_total",
			Help: "Total number of trigger runs by idempotency disposition and resulting overall status.",
		}, []string{"disposition", "overall_status"}),

		// Stages
		StageExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_stage_executions_total",
			Help: "Total number of stage executions.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confirmd_stage_duration_seconds",
			Help:    "Stage execution duration in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confirmd_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confirmd_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service"}),

		// Monitor
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmd_escalations_total",
			Help: "Total number of SLA breach escalations emitted.",
		}, []string{"breach_type"}),

		// System
		PipelinesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confirmd_pipelines_loaded",
			Help: "Number of loaded pipeline definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		// Runs
		m.RunsTotal,
		// Stages
		m.StageExecutionsTotal,
		m.StageDuration,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Monitor
		m.EscalationsTotal,
		// System
		m.PipelinesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRun records the disposition and outcome of a trigger run.
func (m *Metrics) RecordRun(disposition, overallStatus string) {
	m.RunsTotal.WithLabelValues(disposition, overallStatus).Inc()
}

// RecordStage records a stage execution.
func (m *Metrics) RecordStage(stageName string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.StageExecutionsTotal.WithLabelValues(stageName, outcome).Inc()
	m.StageDuration.WithLabelValues(stageName).Observe(latency.Seconds())
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(service string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(service string) {
	m.BackendRetriesTotal.WithLabelValues(service).Inc()
}

// SetBackendBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendBreakerState(service string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordEscalation records an SLA breach escalation.
func (m *Metrics) RecordEscalation(breachType string) {
	m.EscalationsTotal.WithLabelValues(breachType).Inc()
}

// SetPipelinesLoaded sets the number of loaded pipeline definitions.
func (m *Metrics) SetPipelinesLoaded(count float64) {
	m.PipelinesLoaded.Set(count)
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

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
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
