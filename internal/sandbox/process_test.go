package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"secure-agent-exec/internal/artifact"
)

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under limit", "hello\nworld\n", 100, "hello\nworld\n"},
		{"cuts at last newline", "line one\nline two\nline thr", 20, "line one\nline two\n... [output truncated]"},
		{"no newline in window", strings.Repeat("x", 50), 10, "xxxxxxxxxx\n... [output truncated]"},
		{"empty", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateOutput(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncateOutput = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessSandbox_Name(t *testing.T) {
	p := NewProcessSandbox(nil)
	if p.Name() != "process" {
		t.Errorf("Name() = %q, want process", p.Name())
	}
}

func TestProcessRlimits(t *testing.T) {
	got := processRlimits(DefaultLimits())

	want := map[string]uint64{
		"RLIMIT_AS":    256 * 1024 * 1024,
		"RLIMIT_CPU":   5, // 0.5 cores over the 10s wall-clock budget
		"RLIMIT_NPROC": 50,
		"RLIMIT_FSIZE": 100 * 1024 * 1024,
		"RLIMIT_CORE":  0,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rlimits, want %d", len(got), len(want))
	}
	for _, rl := range got {
		if rl.value != want[rl.name] {
			t.Errorf("%s = %d, want %d", rl.name, rl.value, want[rl.name])
		}
	}
}

// The process backend has no network namespace, so any policy other than none
// must be refused rather than silently unenforced.
func TestProcessSandbox_RefusesNetworkPolicy(t *testing.T) {
	p := NewProcessSandbox(nil)

	for _, policy := range []NetworkPolicy{NetworkWhitelist, NetworkBlacklist} {
		limits := DefaultLimits()
		limits.NetworkPolicy = policy

		_, err := p.Run(context.Background(), "e1", artifact.New(`print(1)`, "python"), limits)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("policy %s: err = %v, want ErrInvalidRequest", policy, err)
		}
	}
}
