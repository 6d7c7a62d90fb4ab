package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/pipeline"
	"secure-agent-exec/internal/sandbox"
)

type Handlers struct {
	orchestrator *pipeline.Orchestrator
	sink         audit.Sink
}

func NewHandlers(orchestrator *pipeline.Orchestrator, sink audit.Sink) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		sink:         sink,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result, err := h.orchestrator.Execute(r.Context(), pipeline.Request{
		SessionID: req.SessionID,
		Source:    req.Code,
		Language:  req.Language,
	})
	if err != nil {
		// Only an unwritable audit trail surfaces as an error; the run's
		// result cannot be trusted without its trail.
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("pipeline run invalidated")
		writeError(w, "execution record unavailable", "AUDIT_UNAVAILABLE", http.StatusInternalServerError, r)
		return
	}

	status := http.StatusOK
	switch {
	case result.State == pipeline.StateDenied:
		status = http.StatusForbidden
	case result.State == pipeline.StateFailed && result.FailurePhase == "sandbox":
		status = http.StatusOK // terminated runs still carry their evidence
	case result.State == pipeline.StateFailed:
		// The pipeline flattens errors into the structured result, so the
		// sentinel survives only as message text here.
		if strings.Contains(result.FailureReason, sandbox.ErrUnsupportedLang.Error()) {
			status = http.StatusBadRequest
		} else {
			status = http.StatusUnprocessableEntity
		}
	}

	writeJSON(w, status, toExecuteResponse(result))
}

func (h *Handlers) HandleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		SessionID: r.URL.Query().Get("session_id"),
		RiskTier:  r.URL.Query().Get("risk_tier"),
	}

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "until must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Until = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}

	entries, err := h.sink.Query(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("audit query failed")
		writeError(w, "audit query failed", "AUDIT_QUERY_FAILED", http.StatusInternalServerError, r)
		return
	}

	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
