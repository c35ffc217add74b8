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
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	batchSizeBuckets         = []float64{1, 5, 10, 25, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the approvals engine.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Template metrics
	TemplateVersionsTotal *prometheus.CounterVec
	TemplateMutations     *prometheus.CounterVec

	// Configuration metrics
	ConfigActivationsTotal prometheus.Counter

	// Workflow metrics
	WorkflowCreatedTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal  *prometheus.CounterVec
	WorkflowApprovalsTotal    *prometheus.CounterVec
	WorkflowConflictsTotal    *prometheus.CounterVec
	WorkflowOperationDuration *prometheus.HistogramVec

	// Submission metrics
	SubmissionStatusChangesTotal *prometheus.CounterVec

	// Reconcile metrics
	ReconcileOperationsTotal *prometheus.CounterVec
	ReconcileBatchSize       prometheus.Histogram
	ReconcileBreakerState    *prometheus.GaugeVec

	// Lock and cache metrics
	LockContentionTotal       *prometheus.CounterVec
	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionSeedTotal *prometheus.CounterVec
	DefinitionsLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of ops HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Templates
		TemplateVersionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_template_versions_total",
			Help: "Total number of template versions created.",
		}, []string{"kind"}),
		TemplateMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_template_mutations_total",
			Help: "Total number of template mutations by operation and result.",
		}, []string{"kind", "operation", "result"}),

		// Configs
		ConfigActivationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_config_activations_total",
			Help: "Total number of team category configs activated.",
		}),

		// Workflows
		WorkflowCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"category"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_transitions_total",
			Help: "Total number of workflow status transitions.",
		}, []string{"from", "to"}),
		WorkflowApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_approvals_total",
			Help: "Total number of recorded approval decisions.",
		}, []string{"decision"}),
		WorkflowConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_conflicts_total",
			Help: "Total number of workflow operations lost to a concurrent writer.",
		}, []string{"operation"}),
		WorkflowOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_workflow_operation_duration_seconds",
			Help:    "Workflow operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),

		// Submissions
		SubmissionStatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_submission_status_changes_total",
			Help: "Total number of submission status changes.",
		}, []string{"status"}),

		// Reconcile
		ReconcileOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_reconcile_operations_total",
			Help: "Total number of reconcile operations applied.",
		}, []string{"collection", "op", "result"}),
		ReconcileBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_reconcile_batch_size",
			Help:    "Number of operations in a reconcile plan.",
			Buckets: batchSizeBuckets,
		}),
		ReconcileBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_reconcile_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"collection"}),

		// Locks and caches
		LockContentionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_lock_contention_total",
			Help: "Total number of try-lock attempts that found the key held.",
		}, []string{"scope"}),
		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_directory_cache_hits_total",
			Help: "Total approver directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_directory_cache_misses_total",
			Help: "Total approver directory cache misses.",
		}),

		// System
		DefinitionSeedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_definition_seed_total",
			Help: "Total seed definition runs.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_definitions_loaded",
			Help: "Number of loaded seed definition files.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TemplateVersionsTotal,
		m.TemplateMutations,
		m.ConfigActivationsTotal,
		m.WorkflowCreatedTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowApprovalsTotal,
		m.WorkflowConflictsTotal,
		m.WorkflowOperationDuration,
		m.SubmissionStatusChangesTotal,
		m.ReconcileOperationsTotal,
		m.ReconcileBatchSize,
		m.ReconcileBreakerState,
		m.LockContentionTotal,
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
		m.DefinitionSeedTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records ops HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTemplateVersion records a newly created template version.
func (m *Metrics) RecordTemplateVersion(kind string) {
	if m == nil {
		return
	}
	m.TemplateVersionsTotal.WithLabelValues(kind).Inc()
}

// RecordTemplateMutation records a template mutation outcome.
func (m *Metrics) RecordTemplateMutation(kind, operation, result string) {
	if m == nil {
		return
	}
	m.TemplateMutations.WithLabelValues(kind, operation, result).Inc()
}

// RecordConfigActivation records a config activation.
func (m *Metrics) RecordConfigActivation() {
	if m == nil {
		return
	}
	m.ConfigActivationsTotal.Inc()
}

// RecordWorkflowCreated records a new workflow instance.
func (m *Metrics) RecordWorkflowCreated(category string) {
	if m == nil {
		return
	}
	m.WorkflowCreatedTotal.WithLabelValues(category).Inc()
}

// RecordWorkflowTransition records a status transition.
func (m *Metrics) RecordWorkflowTransition(from, to string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordWorkflowApproval records an approval decision.
func (m *Metrics) RecordWorkflowApproval(decision string) {
	if m == nil {
		return
	}
	m.WorkflowApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordWorkflowConflict records an operation that lost a race.
func (m *Metrics) RecordWorkflowConflict(operation string) {
	if m == nil {
		return
	}
	m.WorkflowConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordWorkflowOperation records the duration of a workflow operation.
func (m *Metrics) RecordWorkflowOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSubmissionStatus records a submission status change.
func (m *Metrics) RecordSubmissionStatus(status string) {
	if m == nil {
		return
	}
	m.SubmissionStatusChangesTotal.WithLabelValues(status).Inc()
}

// RecordReconcileOperation records one applied reconcile operation.
func (m *Metrics) RecordReconcileOperation(collection, op, result string) {
	if m == nil {
		return
	}
	m.ReconcileOperationsTotal.WithLabelValues(collection, op, result).Inc()
}

// RecordReconcileBatch records the size of a reconcile plan.
func (m *Metrics) RecordReconcileBatch(size int) {
	if m == nil {
		return
	}
	m.ReconcileBatchSize.Observe(float64(size))
}

// SetReconcileBreakerState sets the circuit breaker state for a collection.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetReconcileBreakerState(collection string, state float64) {
	if m == nil {
		return
	}
	m.ReconcileBreakerState.WithLabelValues(collection).Set(state)
}

// RecordLockContention records a try-lock that found the key held.
func (m *Metrics) RecordLockContention(scope string) {
	if m == nil {
		return
	}
	m.LockContentionTotal.WithLabelValues(scope).Inc()
}

// RecordDirectoryCacheHit records a directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	if m == nil {
		return
	}
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records a directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	if m == nil {
		return
	}
	m.DirectoryCacheMissesTotal.Inc()
}

// RecordDefinitionSeed records a seed run.
func (m *Metrics) RecordDefinitionSeed(status string) {
	if m == nil {
		return
	}
	m.DefinitionSeedTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definition files.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
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

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	return w.ResponseWriter.Write(b)
}
