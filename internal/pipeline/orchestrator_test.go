package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secure-agent-exec/internal/anomaly"
	"secure-agent-exec/internal/approval"
	"secure-agent-exec/internal/artifact"
	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/sandbox"
	"secure-agent-exec/internal/tokenize"
	"secure-agent-exec/internal/validator"
)

type fakeBackend struct {
	name   string
	stdout string
	err    error
	ran    int32
}

func (f *fakeBackend) Name() string                       { return f.name }
func (f *fakeBackend) Available(ctx context.Context) bool { return true }
func (f *fakeBackend) Close() error                       { return nil }

func (f *fakeBackend) Run(ctx context.Context, execID string, art artifact.Artifact, limits sandbox.ResourceLimits) (*sandbox.RawResult, error) {
	atomic.AddInt32(&f.ran, 1)
	res := &sandbox.RawResult{
		ExecID:       execID,
		Stdout:       f.stdout,
		ExitCode:     0,
		Duration:     25 * time.Millisecond,
		MemoryPeakMB: 20,
		Backend:      f.name,
	}
	if f.err != nil {
		res.ExitCode = -1
		return res, f.err
	}
	return res, nil
}

func (f *fakeBackend) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

type harness struct {
	orch      *Orchestrator
	sink      *audit.MemorySink
	process   *fakeBackend
	container *fakeBackend
}

func newHarness(t *testing.T, approver approval.Approver, mutate func(*harness)) *harness {
	t.Helper()

	h := &harness{
		sink:      audit.NewMemorySink(),
		process:   &fakeBackend{name: "process", stdout: "ok"},
		container: &fakeBackend{name: "container", stdout: "ok"},
	}
	if mutate != nil {
		mutate(h)
	}

	tokenizer, err := tokenize.New()
	if err != nil {
		t.Fatal(err)
	}

	orch, err := NewOrchestrator(Deps{
		Validator: validator.New(nil),
		Gate:      approval.NewGate(approver, approval.Config{DecisionTimeout: time.Second}),
		Sandboxes: sandbox.NewManager(h.process, nil, h.container),
		Tokenizer: tokenizer,
		Detector:  anomaly.NewDetector(anomaly.Config{}),
		Sink:      h.sink,
		Metrics:   monitor.NewMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.orch = orch
	return h
}

func phases(t *testing.T, sink *audit.MemorySink, session string) []audit.Phase {
	t.Helper()
	entries, err := sink.Query(context.Background(), audit.Filter{SessionID: session, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]audit.Phase, len(entries))
	for i, e := range entries {
		out[i] = e.Phase
	}
	return out
}

func TestExecute_CleanCodeCompletes(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `print("hello")`,
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.State != StateCompleted {
		t.Errorf("state = %s, want completed", res.State)
	}
	if res.RiskTier != "low" {
		t.Errorf("tier = %s, want low", res.RiskTier)
	}
	if res.Decision.Status != approval.StatusAutoApproved {
		t.Errorf("decision = %s, want auto_approved", res.Decision.Status)
	}
	if res.Backend != "process" {
		t.Errorf("backend = %s, want process", res.Backend)
	}

	want := []audit.Phase{
		audit.PhaseDiscovery,
		audit.PhaseValidation,
		audit.PhaseRisk,
		audit.PhaseApproval,
		audit.PhaseSandbox,
		audit.PhaseResult,
		audit.PhaseAnomaly,
		audit.PhaseCompletion,
	}
	got := phases(t, h.sink, "s1")
	if len(got) != len(want) {
		t.Fatalf("audit phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExecute_CriticalFindingRequiresApproval(t *testing.T) {
	asked := false
	approver := approval.ApproverFunc(func(ctx context.Context, req approval.Request) (bool, string, error) {
		asked = true
		return true, "op", nil
	})
	h := newHarness(t, approver, nil)

	res, err := h.orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `eval(user_input)`,
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !asked {
		t.Error("high tier execution did not reach the approver")
	}
	if res.RiskTier != "high" {
		t.Errorf("tier = %s, want high for dynamic eval", res.RiskTier)
	}
	if res.Backend != "container" {
		t.Errorf("backend = %s, want container for high tier", res.Backend)
	}
	if h.process.ran != 0 {
		t.Error("high tier run touched the process backend")
	}
}

func TestExecute_DenialIsTerminal(t *testing.T) {
	approver := approval.ApproverFunc(func(ctx context.Context, req approval.Request) (bool, string, error) {
		return false, "op", nil
	})
	h := newHarness(t, approver, nil)

	res, err := h.orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `eval(x)`,
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.State != StateDenied {
		t.Errorf("state = %s, want denied", res.State)
	}
	if h.container.ran != 0 || h.process.ran != 0 {
		t.Error("denied execution reached a sandbox")
	}

	got := phases(t, h.sink, "s1")
	for _, p := range got {
		if p == audit.PhaseSandbox || p == audit.PhaseResult {
			t.Errorf("denied execution produced %s entry", p)
		}
	}
	if got[len(got)-1] != audit.PhaseCompletion {
		t.Errorf("last phase = %s, want completion", got[len(got)-1])
	}
}

func TestExecute_TimeoutKeepsPartialEvidence(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.process.stdout = "partial"
		h.process.err = &sandbox.ExecutionError{ExecID: "x", Op: "run", Err: sandbox.ErrTimeout}
	})

	res, err := h.orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `while True: pass`,
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if res.FailurePhase != "sandbox" {
		t.Errorf("failure phase = %s, want sandbox", res.FailurePhase)
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("partial output lost: %q", res.Stdout)
	}

	// The terminated run still flows through result and anomaly phases.
	got := phases(t, h.sink, "s1")
	seen := map[audit.Phase]bool{}
	for _, p := range got {
		seen[p] = true
	}
	for _, p := range []audit.Phase{audit.PhaseSandbox, audit.PhaseResult, audit.PhaseAnomaly, audit.PhaseCompletion} {
		if !seen[p] {
			t.Errorf("phase %s missing after timeout", p)
		}
	}
}

func TestExecute_TokenizesSensitiveOutput(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.process.stdout = `{"customerEmail":"u@example.com","rows":2}`
	})

	res, err := h.orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `print(row)`,
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !res.Tokenized {
		t.Fatal("sensitive output not tokenized")
	}
	if strings.Contains(res.Stdout, "u@example.com") {
		t.Errorf("raw email survived: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "tok_") {
		t.Errorf("no token in output: %q", res.Stdout)
	}

	// Audit details never carry output content.
	entries, _ := h.sink.Query(context.Background(), audit.Filter{SessionID: "s1", Limit: 1000})
	for _, e := range entries {
		if strings.Contains(e.Detail, "u@example.com") {
			t.Errorf("raw email leaked into audit entry: %+v", e)
		}
	}
}

type failingSink struct {
	*audit.MemorySink
	failAfter int
	appended  int
}

func (f *failingSink) Append(ctx context.Context, entry audit.Entry) error {
	f.appended++
	if f.appended > f.failAfter {
		return errors.New("disk full")
	}
	return f.MemorySink.Append(ctx, entry)
}

func TestExecute_AuditFailureInvalidatesRun(t *testing.T) {
	sink := &failingSink{MemorySink: audit.NewMemorySink(), failAfter: 2}

	tokenizer, err := tokenize.New()
	if err != nil {
		t.Fatal(err)
	}
	process := &fakeBackend{name: "process", stdout: "ok"}
	orch, err := NewOrchestrator(Deps{
		Validator: validator.New(nil),
		Gate:      approval.NewGate(nil, approval.Config{}),
		Sandboxes: sandbox.NewManager(process, nil, nil),
		Tokenizer: tokenizer,
		Detector:  anomaly.NewDetector(anomaly.Config{}),
		Sink:      sink,
		Metrics:   monitor.NewMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := orch.Execute(context.Background(), Request{
		SessionID: "s1",
		Source:    `print(1)`,
		Language:  "python",
	})
	if !errors.Is(err, audit.ErrAppendFailed) {
		t.Errorf("err = %v, want ErrAppendFailed", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if process.ran != 0 {
		t.Error("execution proceeded past an unrecorded transition")
	}
}

func TestExecute_MissingDeps(t *testing.T) {
	if _, err := NewOrchestrator(Deps{}); err == nil {
		t.Error("NewOrchestrator accepted empty deps")
	}
}

// Auto-approval is not metered by the gate's rate limit, so one session may
// run many low-risk executions concurrently and every run leaves a full trail.
func TestExecute_ConcurrentLowRiskSameSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	const runs = 100
	results := make(chan *Result, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Execute(context.Background(), Request{
				SessionID: "same-session",
				Source:    `print("ok")`,
				Language:  "python",
			})
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	completed := 0
	for res := range results {
		if res.State != StateCompleted {
			t.Errorf("state = %s (%s), want completed", res.State, res.FailureReason)
			continue
		}
		completed++
	}
	if completed != runs {
		t.Errorf("completed runs = %d, want %d", completed, runs)
	}

	entries, err := h.sink.Query(context.Background(), audit.Filter{SessionID: "same-session", Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != runs*8 {
		t.Errorf("audit entries = %d, want %d", len(entries), runs*8)
	}
	if got := atomic.LoadInt32(&h.process.ran); got != runs {
		t.Errorf("process backend runs = %d, want %d", got, runs)
	}
}
