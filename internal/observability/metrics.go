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
	nodeDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
	costBuckets         = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics holds all Prometheus metric instruments for the orchestration core.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Case metrics
	CaseStartsTotal      *prometheus.CounterVec
	CaseCompletionsTotal *prometheus.CounterVec
	CasesActive          *prometheus.GaugeVec
	CaseCostUSD          *prometheus.HistogramVec

	// Node metrics
	NodeDispatchesTotal *prometheus.CounterVec
	NodeRetriesTotal    *prometheus.CounterVec
	NodeTimeoutsTotal   *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec

	// Governance metrics
	ApprovalsCreatedTotal  *prometheus.CounterVec
	ApprovalsResolvedTotal *prometheus.CounterVec
	ApprovalsWaiting       prometheus.Gauge

	// Policy metrics
	PolicyVerdictsTotal    *prometheus.CounterVec
	BudgetRejectionsTotal  *prometheus.CounterVec
	PIIEntitiesMaskedTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerAppendsTotal        *prometheus.CounterVec
	LedgerAppendFailuresTotal *prometheus.CounterVec

	// System metrics
	DefinitionsPublished prometheus.Gauge
	SchedulerQueueDepth  prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "missionctl_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		CaseStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_case_starts_total",
			Help: "Total number of case starts.",
		}, []string{"definition_id", "trigger"}),
		CaseCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_case_completions_total",
			Help: "Total number of case completions by final status.",
		}, []string{"definition_id", "final_status"}),
		CasesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "missionctl_cases_active",
			Help: "Number of active cases.",
		}, []string{"definition_id"}),
		CaseCostUSD: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "missionctl_case_cost_usd",
			Help:    "Total cost per completed case in USD.",
			Buckets: costBuckets,
		}, []string{"definition_id"}),

		NodeDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_node_dispatches_total",
			Help: "Total number of node execution attempts.",
		}, []string{"definition_id", "node_kind", "status"}),
		NodeRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_node_retries_total",
			Help: "Total number of node retries.",
		}, []string{"definition_id", "node_id"}),
		NodeTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_node_timeouts_total",
			Help: "Total number of node SLA timeouts.",
		}, []string{"definition_id", "node_id"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "missionctl_node_duration_seconds",
			Help:    "Node execution duration in seconds.",
			Buckets: nodeDurationBuckets,
		}, []string{"definition_id", "node_kind"}),

		ApprovalsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_approvals_created_total",
			Help: "Total number of approval requests created.",
		}, []string{"type"}),
		ApprovalsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_approvals_resolved_total",
			Help: "Total number of approval resolutions by outcome.",
		}, []string{"type", "outcome"}),
		ApprovalsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "missionctl_approvals_waiting",
			Help: "Number of approval requests awaiting resolution.",
		}),

		PolicyVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_policy_verdicts_total",
			Help: "Total number of policy verdicts.",
		}, []string{"category", "outcome"}),
		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_budget_rejections_total",
			Help: "Total number of dispatches blocked by budget ceilings.",
		}, []string{"scope"}),
		PIIEntitiesMaskedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_pii_entities_masked_total",
			Help: "Total number of PII entities masked in node outputs.",
		}, []string{"detector"}),

		LedgerAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_ledger_appends_total",
			Help: "Total number of ledger records appended.",
		}, []string{"kind"}),
		LedgerAppendFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionctl_ledger_append_failures_total",
			Help: "Total number of ledger records dropped after exhausting append retries.",
		}, []string{"kind"}),

		DefinitionsPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "missionctl_definitions_published",
			Help: "Number of published workflow definitions.",
		}),
		SchedulerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "missionctl_scheduler_queue_depth",
			Help: "Number of cases queued for scheduling.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CaseStartsTotal,
		m.CaseCompletionsTotal,
		m.CasesActive,
		m.CaseCostUSD,
		m.NodeDispatchesTotal,
		m.NodeRetriesTotal,
		m.NodeTimeoutsTotal,
		m.NodeDuration,
		m.ApprovalsCreatedTotal,
		m.ApprovalsResolvedTotal,
		m.ApprovalsWaiting,
		m.PolicyVerdictsTotal,
		m.BudgetRejectionsTotal,
		m.PIIEntitiesMaskedTotal,
		m.LedgerAppendsTotal,
		m.LedgerAppendFailuresTotal,
		m.DefinitionsPublished,
		m.SchedulerQueueDepth,
	)

	return m
}

// --- Recording helpers ---

// RecordCaseStart records a case start.
func (m *Metrics) RecordCaseStart(definitionID, trigger string) {
	m.CaseStartsTotal.WithLabelValues(definitionID, trigger).Inc()
	m.CasesActive.WithLabelValues(definitionID).Inc()
}

// RecordCaseCompletion records a case reaching a terminal status.
func (m *Metrics) RecordCaseCompletion(definitionID, finalStatus string, costUSD float64) {
	m.CaseCompletionsTotal.WithLabelValues(definitionID, finalStatus).Inc()
	m.CasesActive.WithLabelValues(definitionID).Dec()
	m.CaseCostUSD.WithLabelValues(definitionID).Observe(costUSD)
}

// RecordNodeDispatch records one node execution attempt.
func (m *Metrics) RecordNodeDispatch(definitionID, nodeKind, status string, duration time.Duration) {
	m.NodeDispatchesTotal.WithLabelValues(definitionID, nodeKind, status).Inc()
	m.NodeDuration.WithLabelValues(definitionID, nodeKind).Observe(duration.Seconds())
}

// RecordNodeRetry records a node retry.
func (m *Metrics) RecordNodeRetry(definitionID, nodeID string) {
	m.NodeRetriesTotal.WithLabelValues(definitionID, nodeID).Inc()
}

// RecordNodeTimeout records a node exceeding its SLA timeout.
func (m *Metrics) RecordNodeTimeout(definitionID, nodeID string) {
	m.NodeTimeoutsTotal.WithLabelValues(definitionID, nodeID).Inc()
}

// RecordApprovalCreated records an approval request creation.
func (m *Metrics) RecordApprovalCreated(approvalType string) {
	m.ApprovalsCreatedTotal.WithLabelValues(approvalType).Inc()
	m.ApprovalsWaiting.Inc()
}

// RecordApprovalResolved records an approval resolution.
func (m *Metrics) RecordApprovalResolved(approvalType, outcome string) {
	m.ApprovalsResolvedTotal.WithLabelValues(approvalType, outcome).Inc()
	m.ApprovalsWaiting.Dec()
}

// RecordPolicyVerdict records a policy evaluation outcome.
func (m *Metrics) RecordPolicyVerdict(category string, passed, blocking bool) {
	outcome := "passed"
	switch {
	case !passed && blocking:
		outcome = "blocked"
	case !passed:
		outcome = "flagged"
	}
	m.PolicyVerdictsTotal.WithLabelValues(category, outcome).Inc()
}

// RecordBudgetRejection records a dispatch blocked by a budget ceiling.
// Scope is "case" or "daily".
func (m *Metrics) RecordBudgetRejection(scope string) {
	m.BudgetRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordPIIMasked records masked PII entities per detector.
func (m *Metrics) RecordPIIMasked(detector string, count int) {
	m.PIIEntitiesMaskedTotal.WithLabelValues(detector).Add(float64(count))
}

// RecordLedgerAppend records a ledger append.
func (m *Metrics) RecordLedgerAppend(kind string) {
	m.LedgerAppendsTotal.WithLabelValues(kind).Inc()
}

// RecordLedgerAppendFailure records a ledger record dropped after retries.
func (m *Metrics) RecordLedgerAppendFailure(kind string) {
	m.LedgerAppendFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
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
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
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
