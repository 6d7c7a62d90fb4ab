package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"secure-agent-exec/internal/anomaly"
	"secure-agent-exec/internal/approval"
	"secure-agent-exec/internal/artifact"
	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/pipeline"
	"secure-agent-exec/internal/sandbox"
	"secure-agent-exec/internal/tokenize"
	"secure-agent-exec/internal/validator"
)

type stubBackend struct {
	name string
}

func (s *stubBackend) Name() string                       { return s.name }
func (s *stubBackend) Available(ctx context.Context) bool { return true }
func (s *stubBackend) Close() error                       { return nil }

func (s *stubBackend) Run(ctx context.Context, execID string, art artifact.Artifact, limits sandbox.ResourceLimits) (*sandbox.RawResult, error) {
	return &sandbox.RawResult{
		ExecID:   execID,
		Stdout:   "42\n",
		Duration: 10 * time.Millisecond,
		Backend:  s.name,
	}, nil
}

func (s *stubBackend) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func testHandlers(t *testing.T, approver approval.Approver) (*Handlers, *audit.MemorySink) {
	t.Helper()

	sink := audit.NewMemorySink()
	tokenizer, err := tokenize.New()
	if err != nil {
		t.Fatal(err)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Validator: validator.New(nil),
		Gate:      approval.NewGate(approver, approval.Config{DecisionTimeout: time.Second}),
		Sandboxes: sandbox.NewManager(&stubBackend{name: "process"}, nil, &stubBackend{name: "container"}),
		Tokenizer: tokenizer,
		Detector:  anomaly.NewDetector(anomaly.Config{}),
		Sink:      sink,
		Metrics:   monitor.NewMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewHandlers(orch, sink), sink
}

func postExecute(t *testing.T, h *Handlers, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)
	return rec
}

func TestHandleExecute_Success(t *testing.T) {
	h, _ := testHandlers(t, nil)

	rec := postExecute(t, h, ExecuteRequest{SessionID: "s1", Code: `print(42)`, Language: "python"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.State != "completed" {
		t.Errorf("state = %s, want completed", resp.State)
	}
	if resp.RiskTier != "low" {
		t.Errorf("tier = %s, want low", resp.RiskTier)
	}
	if resp.Stdout != "42\n" {
		t.Errorf("stdout = %q", resp.Stdout)
	}
}

func TestHandleExecute_DeniedReturns403(t *testing.T) {
	deny := approval.ApproverFunc(func(ctx context.Context, req approval.Request) (bool, string, error) {
		return false, "op", nil
	})
	h, _ := testHandlers(t, deny)

	rec := postExecute(t, h, ExecuteRequest{SessionID: "s1", Code: `eval(x)`, Language: "python"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	var resp ExecuteResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "denied" {
		t.Errorf("state = %s, want denied", resp.State)
	}
}

func TestHandleExecute_ValidatesInput(t *testing.T) {
	h, _ := testHandlers(t, nil)

	tests := []struct {
		name string
		body ExecuteRequest
	}{
		{"missing code", ExecuteRequest{SessionID: "s1", Language: "python"}},
		{"missing language", ExecuteRequest{SessionID: "s1", Code: "x"}},
		{"missing session", ExecuteRequest{Code: "x", Language: "python"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postExecute(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleExecute_InvalidJSON(t *testing.T) {
	h, _ := testHandlers(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAuditQuery(t *testing.T) {
	h, sink := testHandlers(t, nil)

	_ = sink.Append(context.Background(), audit.Entry{SessionID: "s1", Phase: audit.PhaseDiscovery, Outcome: "discovered"})
	_ = sink.Append(context.Background(), audit.Entry{SessionID: "s2", Phase: audit.PhaseDiscovery, Outcome: "discovered"})

	req := httptest.NewRequest(http.MethodGet, "/audit?session_id=s1", nil)
	rec := httptest.NewRecorder()
	h.HandleAuditQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var entries []audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "s1" {
		t.Errorf("entries = %+v, want single s1 entry", entries)
	}
}

func TestHandleAuditQuery_BadTimestamp(t *testing.T) {
	h, _ := testHandlers(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/audit?since=yesterday", nil)
	rec := httptest.NewRecorder()
	h.HandleAuditQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAuditQuery_EmptyResultIsArray(t *testing.T) {
	h, _ := testHandlers(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/audit?session_id=nope", nil)
	rec := httptest.NewRecorder()
	h.HandleAuditQuery(rec, req)

	body := rec.Body.String()
	if body == "null\n" {
		t.Error("empty audit query serialized as null, want []")
	}
}
