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
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	taskDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}
	caseDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Case metrics
	CasesCreatedTotal  prometheus.Counter
	CasesFinishedTotal *prometheus.CounterVec
	CasesActive        prometheus.Gauge
	CaseDuration       *prometheus.HistogramVec

	// Task metrics
	TasksDispatchedTotal *prometheus.CounterVec
	TaskOutcomesTotal    *prometheus.CounterVec
	TaskDuration         *prometheus.HistogramVec
	TasksInFlight        *prometheus.GaugeVec
	DispatchRetriesTotal *prometheus.CounterVec

	// Worker transport metrics
	WorkerCircuitBreakerState *prometheus.GaugeVec

	// Timeline metrics
	TimelineEventsTotal      prometheus.Counter
	TimelineSubscribers      prometheus.Gauge
	TimelineDroppedTotal     prometheus.Counter
	TimelineMirrorFailsTotal prometheus.Counter

	// Monitor metrics
	MonitorAlertsTotal *prometheus.CounterVec

	// Idempotency cache metrics
	IdempotencyHitsTotal   prometheus.Counter
	IdempotencyMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Cases
		CasesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_cases_created_total",
			Help: "Total number of cases created.",
		}),
		CasesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_cases_finished_total",
			Help: "Total number of cases reaching a terminal status.",
		}, []string{"final_status"}),
		CasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_cases_active",
			Help: "Number of cases not yet in a terminal status.",
		}),
		CaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_case_duration_seconds",
			Help:    "Case duration from creation to terminal status in seconds.",
			Buckets: caseDurationBuckets,
		}, []string{"final_status"}),

		// Tasks
		TasksDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_tasks_dispatched_total",
			Help: "Total number of task dispatch attempts.",
		}, []string{"role"}),
		TaskOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_task_outcomes_total",
			Help: "Total number of tasks reaching a terminal status.",
		}, []string{"role", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_task_duration_seconds",
			Help:    "Task duration from first dispatch to terminal status in seconds.",
			Buckets: taskDurationBuckets,
		}, []string{"role"}),
		TasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_tasks_in_flight",
			Help: "Number of dispatched or in-progress tasks per role.",
		}, []string{"role"}),
		DispatchRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_dispatch_retries_total",
			Help: "Total number of task re-dispatches after failure.",
		}, []string{"role"}),

		// Worker transport
		WorkerCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_worker_circuit_breaker_state",
			Help: "Circuit breaker state per role endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"role"}),

		// Timeline
		TimelineEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_timeline_events_total",
			Help: "Total number of timeline events published.",
		}),
		TimelineSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_timeline_subscribers",
			Help: "Number of live timeline subscribers.",
		}),
		TimelineDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_timeline_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for not keeping up.",
		}),
		TimelineMirrorFailsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_timeline_mirror_failures_total",
			Help: "Total number of failed publishes to the external timeline mirror.",
		}),

		// Monitor
		MonitorAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_monitor_alerts_total",
			Help: "Total number of monitor alerts raised.",
		}, []string{"role", "kind"}),

		// Idempotency
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_idempotency_hits_total",
			Help: "Total idempotency cache hits on case resubmission.",
		}),
		IdempotencyMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_idempotency_misses_total",
			Help: "Total idempotency cache misses on case resubmission.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Cases
		m.CasesCreatedTotal,
		m.CasesFinishedTotal,
		m.CasesActive,
		m.CaseDuration,
		// Tasks
		m.TasksDispatchedTotal,
		m.TaskOutcomesTotal,
		m.TaskDuration,
		m.TasksInFlight,
		m.DispatchRetriesTotal,
		// Worker transport
		m.WorkerCircuitBreakerState,
		// Timeline
		m.TimelineEventsTotal,
		m.TimelineSubscribers,
		m.TimelineDroppedTotal,
		m.TimelineMirrorFailsTotal,
		// Monitor
		m.MonitorAlertsTotal,
		// Idempotency
		m.IdempotencyHitsTotal,
		m.IdempotencyMissesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCaseCreated records a new case.
func (m *Metrics) RecordCaseCreated() {
	m.CasesCreatedTotal.Inc()
	m.CasesActive.Inc()
}

// RecordCaseFinished records a case reaching a terminal status.
func (m *Metrics) RecordCaseFinished(finalStatus string, duration time.Duration) {
	m.CasesFinishedTotal.WithLabelValues(finalStatus).Inc()
	m.CaseDuration.WithLabelValues(finalStatus).Observe(duration.Seconds())
	m.CasesActive.Dec()
}

// RecordTaskDispatched records a dispatch attempt for a role.
func (m *Metrics) RecordTaskDispatched(role string) {
	m.TasksDispatchedTotal.WithLabelValues(role).Inc()
	m.TasksInFlight.WithLabelValues(role).Inc()
}

// RecordTaskOutcome records a task reaching a terminal status. Duration is
// measured from first dispatch; zero when the task was never dispatched.
func (m *Metrics) RecordTaskOutcome(role, status string, duration time.Duration) {
	m.TaskOutcomesTotal.WithLabelValues(role, status).Inc()
	if duration > 0 {
		m.TaskDuration.WithLabelValues(role).Observe(duration.Seconds())
	}
}

// RecordTaskSettled decrements the in-flight gauge after a dispatched task
// got a callback, timed out, or was retried.
func (m *Metrics) RecordTaskSettled(role string) {
	m.TasksInFlight.WithLabelValues(role).Dec()
}

// RecordDispatchRetry records a re-dispatch after failure.
func (m *Metrics) RecordDispatchRetry(role string) {
	m.DispatchRetriesTotal.WithLabelValues(role).Inc()
}

// SetWorkerCircuitBreakerState sets the circuit breaker state for a role.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetWorkerCircuitBreakerState(role string, state float64) {
	m.WorkerCircuitBreakerState.WithLabelValues(role).Set(state)
}

// RecordTimelineEvent records a published timeline event.
func (m *Metrics) RecordTimelineEvent() {
	m.TimelineEventsTotal.Inc()
}

// RecordTimelineSubscribed adjusts the live subscriber gauge.
func (m *Metrics) RecordTimelineSubscribed(delta float64) {
	m.TimelineSubscribers.Add(delta)
}

// RecordTimelineDropped records a subscriber dropped for falling behind.
func (m *Metrics) RecordTimelineDropped() {
	m.TimelineDroppedTotal.Inc()
}

// RecordTimelineMirrorFailure records a failed mirror publish.
func (m *Metrics) RecordTimelineMirrorFailure() {
	m.TimelineMirrorFailsTotal.Inc()
}

// RecordMonitorAlert records a monitor alert.
func (m *Metrics) RecordMonitorAlert(role, kind string) {
	m.MonitorAlertsTotal.WithLabelValues(role, kind).Inc()
}

// RecordIdempotencyHit records an idempotency cache hit.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// RecordIdempotencyMiss records an idempotency cache miss.
func (m *Metrics) RecordIdempotencyMiss() {
	m.IdempotencyMissesTotal.Inc()
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

// Flush forwards to the underlying writer so streaming responses work
// through the middleware chain.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
