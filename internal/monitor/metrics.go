package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	PipelinesTotal    *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
	PipelineErrors    *prometheus.CounterVec
	ActivePipelines   prometheus.Gauge
	ValidatorFindings *prometheus.CounterVec
	RiskScore         prometheus.Histogram
	ApprovalDecisions *prometheus.CounterVec
	SandboxRuns       *prometheus.CounterVec
	BackendFallbacks  *prometheus.CounterVec
	FieldsTokenized   prometheus.Counter
	AnomaliesFlagged  *prometheus.CounterVec
	AuditLatency      prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics using a dedicated
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PipelinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "runs_total",
				Help:      "Total pipeline runs by risk tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "phase_duration_seconds",
				Help:      "Duration of each pipeline phase in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),

		PipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "errors_total",
				Help:      "Total pipeline failures by phase.",
			},
			[]string{"phase"},
		),

		ActivePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipeline",
				Name:      "active_runs",
				Help:      "Number of pipeline runs currently in flight.",
			},
		),

		ValidatorFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "validator_findings_total",
				Help:      "Total static validation findings by severity.",
			},
			[]string{"severity"},
		),

		RiskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "risk_score",
				Help:      "Distribution of computed risk scores.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),

		ApprovalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "approval_decisions_total",
				Help:      "Total approval gate decisions by status.",
			},
			[]string{"status"},
		),

		SandboxRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "sandbox_runs_total",
				Help:      "Total sandbox executions by backend and status.",
			},
			[]string{"backend", "status"},
		),

		BackendFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "backend_fallbacks_total",
				Help:      "Sandbox backend escalations by origin backend.",
			},
			[]string{"from", "to"},
		),

		FieldsTokenized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "fields_tokenized_total",
				Help:      "Total sensitive fields replaced with tokens.",
			},
		),

		AnomaliesFlagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Name:      "anomalies_total",
				Help:      "Total anomalous executions by reason.",
			},
			[]string{"reason"},
		),

		AuditLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "audit_append_duration_seconds",
				Help:      "Latency of confirmed audit appends.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipeline",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.PipelinesTotal,
		m.PhaseDuration,
		m.PipelineErrors,
		m.ActivePipelines,
		m.ValidatorFindings,
		m.RiskScore,
		m.ApprovalDecisions,
		m.SandboxRuns,
		m.BackendFallbacks,
		m.FieldsTokenized,
		m.AnomaliesFlagged,
		m.AuditLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(tier, outcome string) {
	m.PipelinesTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordPhase records the duration of a single pipeline phase.
func (m *Metrics) RecordPhase(phase string, durationSec float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(durationSec)
}

// RecordPhaseError records a failure attributed to a phase.
func (m *Metrics) RecordPhaseError(phase string) {
	m.PipelineErrors.WithLabelValues(phase).Inc()
}

// RecordSandboxRun records a sandbox execution outcome.
func (m *Metrics) RecordSandboxRun(backend, status string) {
	m.SandboxRuns.WithLabelValues(backend, status).Inc()
}
