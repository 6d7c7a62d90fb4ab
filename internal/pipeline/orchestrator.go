// Package pipeline drives one submission through the full execution flow:
// validation, risk assessment, approval, sandboxed execution, output
// tokenization, anomaly analysis. Every transition is recorded in the audit
// sink before the pipeline advances, so the trail reconstructs any run even
// when a later phase fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/anomaly"
	"secure-agent-exec/internal/approval"
	"secure-agent-exec/internal/artifact"
	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/risk"
	"secure-agent-exec/internal/sandbox"
	"secure-agent-exec/internal/tokenize"
	"secure-agent-exec/internal/validator"
)

// State is the pipeline position of one execution.
type State string

const (
	StateDiscovered      State = "discovered"
	StateValidated       State = "validated"
	StateRiskAssessed    State = "risk_assessed"
	StateApproved        State = "approved"
	StateAutoApproved    State = "auto_approved"
	StateDenied          State = "denied"
	StateSandboxed       State = "sandboxed"
	StateResultProcessed State = "result_processed"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Request is one code submission entering the pipeline.
type Request struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Language  string `json:"language"`
}

// Result is the structured outcome of a pipeline run. Failure is a result,
// not an error: FailurePhase and FailureReason say where and why the run
// stopped, and every field populated before that point is preserved.
type Result struct {
	ExecID    string `json:"exec_id"`
	SessionID string `json:"session_id"`
	State     State  `json:"state"`

	RiskScore int               `json:"risk_score"`
	RiskTier  string            `json:"risk_tier"`
	Decision  approval.Decision `json:"decision"`

	Backend      string        `json:"backend,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"duration"`
	MemoryPeakMB int64         `json:"memory_peak_mb"`
	Tokenized    bool          `json:"tokenized"`

	Anomaly       anomaly.Report         `json:"anomaly"`
	EscapeSignals []monitor.EscapeSignal `json:"escape_signals,omitempty"`

	FailurePhase  string `json:"failure_phase,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	validator *validator.Validator
	gate      *approval.Gate
	sandboxes *sandbox.Manager
	tokenizer *tokenize.Tokenizer
	detector  *anomaly.Detector
	sink      audit.Sink
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	limits map[risk.Tier]sandbox.ResourceLimits
}

// Deps carries the orchestrator's collaborators. All fields except Limits are
// required.
type Deps struct {
	Validator *validator.Validator
	Gate      *approval.Gate
	Sandboxes *sandbox.Manager
	Tokenizer *tokenize.Tokenizer
	Detector  *anomaly.Detector
	Sink      audit.Sink
	Metrics   *monitor.Metrics

	// Limits maps each risk tier to its resource profile. Missing tiers use
	// sandbox.DefaultLimits.
	Limits map[risk.Tier]sandbox.ResourceLimits
}

// NewOrchestrator assembles the pipeline.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case deps.Gate == nil:
		return nil, errors.New("pipeline: approval gate is required")
	case deps.Sandboxes == nil:
		return nil, errors.New("pipeline: sandbox manager is required")
	case deps.Tokenizer == nil:
		return nil, errors.New("pipeline: tokenizer is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: anomaly detector is required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: audit sink is required")
	case deps.Metrics == nil:
		return nil, errors.New("pipeline: metrics are required")
	}

	return &Orchestrator{
		validator: deps.Validator,
		gate:      deps.Gate,
		sandboxes: deps.Sandboxes,
		tokenizer: deps.Tokenizer,
		detector:  deps.Detector,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		tracer:    monitor.NewTracer(),
		limits:    deps.Limits,
	}, nil
}

// Execute runs one submission through the pipeline. The returned Result is
// always populated as far as the run progressed; the error is non-nil only
// when the audit trail itself could not be written, which invalidates the run.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	art := artifact.New(req.Source, req.Language)

	result := &Result{
		ExecID:    art.ID,
		SessionID: req.SessionID,
		State:     StateDiscovered,
	}

	ctx, span := o.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(art.ID),
		monitor.AttrSessionID.String(req.SessionID),
		monitor.AttrLanguage.String(req.Language),
	)
	defer span.End()

	o.metrics.ActivePipelines.Inc()
	defer o.metrics.ActivePipelines.Dec()
	o.metrics.CodeSizeBytes.Observe(float64(len(req.Source)))

	logger := log.With().
		Str("exec_id", art.ID).
		Str("session_id", req.SessionID).
		Str("language", req.Language).
		Logger()
	logger.Info().Str("code_hash", art.Hash()).Msg("execution discovered")

	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseDiscovery,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		Outcome:   "discovered",
		Detail:    fmt.Sprintf("language=%s hash=%s lines=%d", req.Language, art.Hash(), art.LineCount()),
	}); err != nil {
		return o.fail(ctx, result, "discovery", err)
	}

	// Validation.
	phaseStart := time.Now()
	findings, err := o.validator.Validate(ctx, art)
	o.metrics.RecordPhase("validation", time.Since(phaseStart).Seconds())
	if err != nil {
		o.auditBestEffort(ctx, result, audit.PhaseValidation, "error", err.Error())
		return o.fail(ctx, result, "validation", err)
	}
	result.State = StateValidated
	for _, f := range findings {
		o.metrics.ValidatorFindings.WithLabelValues(f.Severity.String()).Inc()
	}
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseValidation,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		Outcome:   "validated",
		Detail:    fmt.Sprintf("findings=%d", len(findings)),
	}); err != nil {
		return o.fail(ctx, result, "validation", err)
	}

	// Risk assessment.
	assessment := risk.Assess(art, findings)
	result.State = StateRiskAssessed
	result.RiskScore = assessment.Score
	result.RiskTier = assessment.Tier.String()
	o.metrics.RiskScore.Observe(float64(assessment.Score))
	span.SetAttributes(
		monitor.AttrRiskTier.String(result.RiskTier),
		monitor.AttrRiskScore.Int(assessment.Score),
	)
	logger.Info().Int("score", assessment.Score).Str("tier", result.RiskTier).Msg("risk assessed")
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseRisk,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		RiskTier:  result.RiskTier,
		Outcome:   "assessed",
		Detail:    fmt.Sprintf("score=%d findings=%d", assessment.Score, len(findings)),
	}); err != nil {
		return o.fail(ctx, result, "risk", err)
	}

	// Approval.
	phaseStart = time.Now()
	decision, err := o.gate.RequestApproval(ctx, req.SessionID, assessment)
	o.metrics.RecordPhase("approval", time.Since(phaseStart).Seconds())
	if err != nil {
		o.auditBestEffort(ctx, result, audit.PhaseApproval, "error", err.Error())
		return o.fail(ctx, result, "approval", err)
	}
	result.Decision = decision
	o.metrics.ApprovalDecisions.WithLabelValues(string(decision.Status)).Inc()
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseApproval,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		RiskTier:  result.RiskTier,
		Outcome:   string(decision.Status),
		Detail:    decision.Reason,
	}); err != nil {
		return o.fail(ctx, result, "approval", err)
	}

	if !decision.Approved() {
		// Denial is terminal for this submission. A changed artifact enters as
		// a new execution with a fresh assessment.
		result.State = StateDenied
		logger.Info().Str("reason", decision.Reason).Msg("execution denied")
		o.finish(ctx, result, "denied")
		return result, nil
	}
	result.State = StateApproved
	if decision.AutoApproved {
		result.State = StateAutoApproved
	}

	// Sandboxed execution.
	phaseStart = time.Now()
	raw, execErr := o.sandboxes.Execute(ctx, art.ID, art, assessment.Tier, o.limitsFor(assessment.Tier))
	o.metrics.RecordPhase("sandbox", time.Since(phaseStart).Seconds())

	if raw != nil {
		result.Backend = raw.Backend
		result.ExitCode = raw.ExitCode
		result.Duration = raw.Duration
		result.MemoryPeakMB = raw.MemoryPeakMB
		span.SetAttributes(
			monitor.AttrBackend.String(raw.Backend),
			monitor.AttrExitCode.Int(raw.ExitCode),
			monitor.AttrDurationMS.Int64(raw.Duration.Milliseconds()),
		)
	}

	if execErr != nil && raw == nil {
		o.metrics.RecordSandboxRun(sandbox.BackendFor(assessment.Tier), "error")
		o.auditBestEffort(ctx, result, audit.PhaseSandbox, "error", execErr.Error())
		return o.fail(ctx, result, "sandbox", execErr)
	}

	result.State = StateSandboxed
	sandboxOutcome := "completed"
	if execErr != nil {
		// Timed-out and resource-killed runs still carry partial output; they
		// continue through result processing so the trail has the evidence.
		sandboxOutcome = "terminated"
		result.FailurePhase = "sandbox"
		result.FailureReason = execErr.Error()
	}
	o.metrics.RecordSandboxRun(raw.Backend, sandboxOutcome)
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseSandbox,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		RiskTier:  result.RiskTier,
		Outcome:   sandboxOutcome,
		Detail:    fmt.Sprintf("backend=%s exit=%d duration=%s", raw.Backend, raw.ExitCode, raw.Duration),
	}); err != nil {
		return o.fail(ctx, result, "sandbox", err)
	}

	// Result processing: tokenize before anything else sees the output.
	result.Stdout, result.Stderr, result.Tokenized = o.tokenizeOutput(raw)
	result.State = StateResultProcessed
	o.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseResult,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		RiskTier:  result.RiskTier,
		Outcome:   "processed",
		Detail:    fmt.Sprintf("tokenized=%t stdout_bytes=%d stderr_bytes=%d", result.Tokenized, len(result.Stdout), len(result.Stderr)),
	}); err != nil {
		return o.fail(ctx, result, "result", err)
	}

	// Post-execution analysis on the tokenized output.
	result.EscapeSignals = monitor.AnalyzeOutput(art.ID, result.Stdout+"\n"+result.Stderr)

	result.Anomaly = o.detector.Analyze(anomaly.Sample{
		Duration:     raw.Duration,
		MemoryPeakMB: raw.MemoryPeakMB,
		ObservedAt:   time.Now().UTC(),
	})
	for _, reason := range result.Anomaly.Reasons {
		o.metrics.AnomaliesFlagged.WithLabelValues(anomalyLabel(reason)).Inc()
	}
	anomalyOutcome := "normal"
	if result.Anomaly.Anomalous {
		anomalyOutcome = "anomalous"
	}
	if err := o.record(ctx, audit.Entry{
		Phase:     audit.PhaseAnomaly,
		SessionID: req.SessionID,
		ExecID:    art.ID,
		RiskTier:  result.RiskTier,
		Outcome:   anomalyOutcome,
		Detail:    strings.Join(result.Anomaly.Reasons, "; "),
	}); err != nil {
		return o.fail(ctx, result, "anomaly", err)
	}

	if result.FailurePhase != "" {
		result.State = StateFailed
		o.finish(ctx, result, "failed")
		return result, nil
	}

	result.State = StateCompleted
	logger.Info().
		Str("backend", result.Backend).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("execution completed")
	o.finish(ctx, result, "completed")
	return result, nil
}

// limitsFor returns the configured resource profile for a tier.
func (o *Orchestrator) limitsFor(tier risk.Tier) sandbox.ResourceLimits {
	if limits, ok := o.limits[tier]; ok {
		return limits
	}
	return sandbox.DefaultLimits()
}

// tokenizeOutput rewrites sensitive fields in each output stream. Streams that
// are not JSON pass through untouched; tokenizing inside opaque text would
// corrupt it, and the audit detail records only sizes, never content.
func (o *Orchestrator) tokenizeOutput(raw *sandbox.RawResult) (stdout, stderr string, tokenized bool) {
	outBytes, outFound := o.tokenizer.TokenizeJSON([]byte(raw.Stdout))
	errBytes, errFound := o.tokenizer.TokenizeJSON([]byte(raw.Stderr))
	if outFound || errFound {
		o.metrics.FieldsTokenized.Inc()
	}
	return string(outBytes), string(errBytes), outFound || errFound
}

// record appends one audit entry and waits for confirmation. The pipeline
// never advances past an unrecorded transition.
func (o *Orchestrator) record(ctx context.Context, entry audit.Entry) error {
	start := time.Now()
	// Terminal entries must land even when the run's context is already
	// cancelled, so appends use a detached context.
	err := o.sink.Append(context.WithoutCancel(ctx), audit.Stamp(entry))
	o.metrics.AuditLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: phase %s: %v", audit.ErrAppendFailed, entry.Phase, err)
	}
	return nil
}

// auditBestEffort records a phase error entry without failing the run again if
// the sink is also down; fail() will surface the original error either way.
func (o *Orchestrator) auditBestEffort(ctx context.Context, result *Result, phase audit.Phase, outcome, detail string) {
	err := o.record(ctx, audit.Entry{
		Phase:     phase,
		SessionID: result.SessionID,
		ExecID:    result.ExecID,
		RiskTier:  result.RiskTier,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		log.Error().Err(err).Str("exec_id", result.ExecID).Msg("audit append failed during failure handling")
	}
}

// fail marks the run failed at the given phase, writes the terminal audit
// entry, and returns the structured result alongside the error.
func (o *Orchestrator) fail(ctx context.Context, result *Result, phase string, cause error) (*Result, error) {
	result.State = StateFailed
	result.FailurePhase = phase
	result.FailureReason = cause.Error()

	o.metrics.RecordPhaseError(phase)
	log.Error().
		Err(cause).
		Str("exec_id", result.ExecID).
		Str("phase", phase).
		Msg("pipeline run failed")

	o.finish(ctx, result, "failed")

	if errors.Is(cause, audit.ErrAppendFailed) {
		return result, cause
	}
	return result, nil
}

// finish writes the completion entry. Best effort: the run is already over.
func (o *Orchestrator) finish(ctx context.Context, result *Result, outcome string) {
	o.metrics.RecordRun(result.RiskTier, outcome)

	detail := ""
	if result.FailureReason != "" {
		detail = fmt.Sprintf("phase=%s reason=%s", result.FailurePhase, result.FailureReason)
	}
	o.auditBestEffort(ctx, result, audit.PhaseCompletion, outcome, detail)
}

// anomalyLabel collapses a free-form anomaly reason into a bounded label set.
func anomalyLabel(reason string) string {
	switch {
	case strings.Contains(reason, "hard ceiling"):
		return "hard_ceiling"
	case strings.Contains(reason, "duration"):
		return "duration_sigma"
	case strings.Contains(reason, "memory"):
		return "memory_sigma"
	default:
		return "other"
	}
}
