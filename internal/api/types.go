package api

import (
	"secure-agent-exec/internal/anomaly"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/pipeline"
)

// ExecuteRequest is the API-level request to run code through the pipeline.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Language  string `json:"language"` // python, node, bash
}

// ExecuteResponse is the API-level view of a pipeline result. Output fields
// carry the tokenized form only; raw output never crosses this boundary.
type ExecuteResponse struct {
	ExecID    string `json:"exec_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`

	RiskScore      int    `json:"risk_score"`
	RiskTier       string `json:"risk_tier"`
	ApprovalStatus string `json:"approval_status,omitempty"`
	ApprovalReason string `json:"approval_reason,omitempty"`

	Backend      string `json:"backend,omitempty"`
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	Duration     string `json:"duration,omitempty"`
	MemoryPeakMB int64  `json:"memory_peak_mb,omitempty"`

	Anomaly       anomaly.Report         `json:"anomaly"`
	EscapeSignals []monitor.EscapeSignal `json:"escape_signals,omitempty"`

	FailurePhase  string `json:"failure_phase,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func toExecuteResponse(res *pipeline.Result) ExecuteResponse {
	return ExecuteResponse{
		ExecID:         res.ExecID,
		SessionID:      res.SessionID,
		State:          string(res.State),
		RiskScore:      res.RiskScore,
		RiskTier:       res.RiskTier,
		ApprovalStatus: string(res.Decision.Status),
		ApprovalReason: res.Decision.Reason,
		Backend:        res.Backend,
		ExitCode:       res.ExitCode,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		Duration:       res.Duration.String(),
		MemoryPeakMB:   res.MemoryPeakMB,
		Anomaly:        res.Anomaly,
		EscapeSignals:  res.EscapeSignals,
		FailurePhase:   res.FailurePhase,
		FailureReason:  res.FailureReason,
	}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	AuditLog bool   `json:"audit_log"`
	Uptime   string `json:"uptime"`
}
