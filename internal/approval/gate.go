// Package approval gates risk-bearing executions behind an external decision.
// Low-tier requests auto-approve; medium and high tiers block the calling
// execution (never the whole process) until an approver answers or the gate
// timeout elapses, which counts as denial.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"secure-agent-exec/internal/risk"
)

// Sentinel errors for typed error checking.
var (
	ErrRateLimited = errors.New("approval request rate limit exceeded")
	ErrGateClosed  = errors.New("approval gate closed")
)

// Status is the approval state machine position for one request:
// Pending -> AutoApproved, or Pending -> AwaitingHuman -> Approved | Denied.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAutoApproved  Status = "auto_approved"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusApproved      Status = "approved"
	StatusDenied        Status = "denied"
)

// Request is what an approver sees. Raw validator internals are not included:
// whoever supplied the code must not learn the detection heuristics.
type Request struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	RiskTier     string    `json:"risk_tier"`
	RiskScore    int       `json:"risk_score"`
	FindingCount int       `json:"finding_count"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Decision is the single, final decision for one execution attempt.
type Decision struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	RiskTier     risk.Tier `json:"risk_tier"`
	Status       Status    `json:"status"`
	AutoApproved bool      `json:"auto_approved"`
	Approver     string    `json:"approver,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// Approved reports whether the decision allows the execution to proceed.
func (d Decision) Approved() bool {
	return d.Status == StatusAutoApproved || d.Status == StatusApproved
}

// Approver resolves a pending request. Implementations block until a human
// answers or the context is cancelled.
type Approver interface {
	Decide(ctx context.Context, req Request) (approved bool, approver string, err error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req Request) (bool, string, error)

func (f ApproverFunc) Decide(ctx context.Context, req Request) (bool, string, error) {
	return f(ctx, req)
}

// Gate serializes approval decisions per session. The critical section covers
// only the tier check, the rate-limit check, and decision recording; the slow
// human wait happens outside it so one pending decision does not block the
// gate. A second risk-requiring request in the same session waits for the
// first to resolve: at most one decision per session is ever unresolved.
type Gate struct {
	approver Approver
	timeout  time.Duration
	perMin   int

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	recordMu sync.Mutex // tier check, rate limit, decision recording only
	humanMu  sync.Mutex // held across the human wait; one unresolved decision per session
	limiter  *rate.Limiter
}

// Config controls gate behavior.
type Config struct {
	DecisionTimeout   time.Duration // human wait bound; expiry denies
	RequestsPerMinute int           // per-session ceiling on risk-requiring requests
}

// NewGate creates a gate. A nil approver denies everything above low tier.
func NewGate(approver Approver, cfg Config) *Gate {
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 5 * time.Minute
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 10
	}
	return &Gate{
		approver: approver,
		timeout:  cfg.DecisionTimeout,
		perMin:   cfg.RequestsPerMinute,
		sessions: make(map[string]*session),
	}
}

// RequestApproval produces exactly one decision for the given assessment.
func (g *Gate) RequestApproval(ctx context.Context, sessionID string, assessment risk.Assessment) (Decision, error) {
	sess, err := g.session(sessionID)
	if err != nil {
		return Decision{}, err
	}

	requestID := uuid.New().String()
	logger := log.With().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Str("risk_tier", assessment.Tier.String()).
		Logger()

	// Critical section: tier check, rate limit, decision recording. This is
	// uncontended in the common auto-approve case.
	sess.recordMu.Lock()
	if assessment.Tier == risk.TierLow {
		decision := Decision{
			RequestID:    requestID,
			SessionID:    sessionID,
			RiskTier:     assessment.Tier,
			Status:       StatusAutoApproved,
			AutoApproved: true,
			Reason:       "low risk tier",
			DecidedAt:    time.Now().UTC(),
		}
		sess.recordMu.Unlock()
		logger.Debug().Msg("auto-approved")
		return decision, nil
	}

	// The rate limit meters risk-requiring requests only: it protects the
	// approver from floods, and auto-approved low-tier runs never reach the
	// approver. A session may run any number of those concurrently.
	if !sess.limiter.Allow() {
		sess.recordMu.Unlock()
		logger.Warn().Msg("approval request rate limited")
		return Decision{}, ErrRateLimited
	}
	sess.recordMu.Unlock()

	// Risk-requiring tier: serialize unresolved decisions per session, then
	// wait for the approver outside the recording critical section.
	sess.humanMu.Lock()
	defer sess.humanMu.Unlock()

	if g.approver == nil {
		logger.Warn().Msg("no approver configured, denying")
		return g.resolve(requestID, sessionID, assessment.Tier, false, "", "no approver configured"), nil
	}

	req := Request{
		RequestID:    requestID,
		SessionID:    sessionID,
		RiskTier:     assessment.Tier.String(),
		RiskScore:    assessment.Score,
		FindingCount: len(assessment.Findings),
		SubmittedAt:  time.Now().UTC(),
	}

	logger.Info().Int("score", assessment.Score).Msg("awaiting human approval")

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	approved, approver, err := g.approver.Decide(waitCtx, req)
	if err != nil {
		// Timeout or cancellation denies, fail-safe.
		reason := "approver error: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "decision timed out"
		}
		logger.Warn().Err(err).Msg("approval wait ended without decision, denying")
		return g.resolve(requestID, sessionID, assessment.Tier, false, approver, reason), nil
	}

	reason := "denied by approver"
	if approved {
		reason = "approved by approver"
	}
	logger.Info().Bool("approved", approved).Str("approver", approver).Msg("decision recorded")
	return g.resolve(requestID, sessionID, assessment.Tier, approved, approver, reason), nil
}

func (g *Gate) resolve(requestID, sessionID string, tier risk.Tier, approved bool, approver, reason string) Decision {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	return Decision{
		RequestID: requestID,
		SessionID: sessionID,
		RiskTier:  tier,
		Status:    status,
		Approver:  approver,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
}

func (g *Gate) session(id string) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGateClosed
	}

	sess, ok := g.sessions[id]
	if !ok {
		sess = &session{
			limiter: rate.NewLimiter(rate.Limit(float64(g.perMin)/60.0), g.perMin),
		}
		g.sessions[id] = sess
	}
	return sess, nil
}

// Close rejects all future requests. In-flight waits run to completion.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}
