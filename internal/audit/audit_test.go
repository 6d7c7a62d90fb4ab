package audit

import (
	"context"
	"testing"
	"time"
)

func TestStamp(t *testing.T) {
	entry := Stamp(Entry{Phase: PhaseDiscovery, Outcome: "discovered"})

	if entry.ID == "" {
		t.Error("ID not generated")
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	fixed := Entry{ID: "fixed", Timestamp: time.Unix(100, 0), Phase: PhaseResult}
	if got := Stamp(fixed); got.ID != "fixed" || !got.Timestamp.Equal(time.Unix(100, 0)) {
		t.Errorf("Stamp overwrote provided fields: %+v", got)
	}
}

func TestMemorySink_AppendAndQuery(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	entries := []Entry{
		{Phase: PhaseDiscovery, SessionID: "s1", ExecID: "e1", Outcome: "discovered"},
		{Phase: PhaseRisk, SessionID: "s1", ExecID: "e1", RiskTier: "high", Outcome: "assessed"},
		{Phase: PhaseDiscovery, SessionID: "s2", ExecID: "e2", Outcome: "discovered"},
	}
	for _, e := range entries {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := sink.Query(ctx, Filter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries for s1, want 2", len(got))
	}
	for _, e := range got {
		if e.SessionID != "s1" {
			t.Errorf("entry for session %s leaked into s1 query", e.SessionID)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("entry not stamped: %+v", e)
		}
	}

	high, err := sink.Query(ctx, Filter{RiskTier: "high"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(high) != 1 || high[0].Phase != PhaseRisk {
		t.Errorf("risk tier filter returned %+v", high)
	}
}

func TestMemorySink_TimeWindow(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	_ = sink.Append(ctx, Entry{ID: "a", Timestamp: old, SessionID: "s", Phase: PhaseDiscovery})
	_ = sink.Append(ctx, Entry{ID: "b", Timestamp: recent, SessionID: "s", Phase: PhaseCompletion})

	cutoff := time.Now().Add(-30 * time.Minute)
	got, err := sink.Query(ctx, Filter{Since: &cutoff})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("since filter returned %+v, want only b", got)
	}

	got, err = sink.Query(ctx, Filter{Until: &cutoff})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("until filter returned %+v, want only a", got)
	}
}

func TestMemorySink_Limit(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = sink.Append(ctx, Entry{SessionID: "s", Phase: PhaseDiscovery})
	}

	got, err := sink.Query(ctx, Filter{Limit: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("got %d entries, want limit 5", len(got))
	}
}

func TestMemorySink_CancelledContext(t *testing.T) {
	sink := NewMemorySink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Append(ctx, Entry{Phase: PhaseDiscovery}); err == nil {
		t.Error("Append with cancelled context succeeded")
	}
	if _, err := sink.Query(ctx, Filter{}); err == nil {
		t.Error("Query with cancelled context succeeded")
	}
}
