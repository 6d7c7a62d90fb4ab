// Package audit provides the append-only execution record. Every pipeline
// phase transition produces exactly one entry, and the write is confirmed
// before the pipeline advances: a lost audit entry is a correctness failure,
// not a soft failure.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAppendFailed wraps any sink write failure so callers can escalate it.
var ErrAppendFailed = errors.New("audit append failed")

// Phase identifies the pipeline stage an entry belongs to.
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseValidation Phase = "validation"
	PhaseRisk       Phase = "risk"
	PhaseApproval   Phase = "approval"
	PhaseSandbox    Phase = "sandbox"
	PhaseResult     Phase = "result"
	PhaseAnomaly    Phase = "anomaly"
	PhaseCompletion Phase = "completion"
)

// Entry is one immutable audit record. Once written it is never mutated or
// deleted by the pipeline; retention is an external policy.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	SessionID string    `json:"session_id"`
	ExecID    string    `json:"exec_id"`
	RiskTier  string    `json:"risk_tier,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter selects entries for compliance queries.
type Filter struct {
	SessionID string
	RiskTier  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Sink persists audit entries. Append must not return until the entry is
// durably recorded. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	Close()
}

// Stamp fills in the generated fields of an entry before it is appended.
func Stamp(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return entry
}

// MemorySink is an in-memory sink for tests and database-less development.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Stamp(entry))
	return nil
}

func (m *MemorySink) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var results []Entry
	for _, e := range m.entries {
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.RiskTier != "" && e.RiskTier != filter.RiskTier {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		results = append(results, e)
		if len(results) >= limit {
			break
		}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Timestamp.Before(results[b].Timestamp)
	})
	return results, nil
}

// Len returns the number of stored entries.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemorySink) Close() {}
