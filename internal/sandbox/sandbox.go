// Package sandbox owns the isolation backends and the lifecycle of every
// sandbox resource. A resource acquired for one execution is torn down on
// every path out of that execution; a background sweep reclaims anything a
// crash left behind.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/artifact"
	"secure-agent-exec/internal/risk"
)

// originPrefix tags every sandbox resource this system creates. The
// reclamation sweep only ever touches resources carrying it.
const originPrefix = "svexec-"

// RawResult is the untokenized outcome of one sandboxed run. It never leaves
// the pipeline: only the tokenized form is persisted.
type RawResult struct {
	ExecID       string        `json:"exec_id"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	MemoryPeakMB int64         `json:"memory_peak_mb"`
	Backend      string        `json:"backend"`
}

// Sandbox is the capability every isolation backend implements.
type Sandbox interface {
	// Name returns the backend identifier.
	Name() string

	// Run executes the artifact under the given limits. The resource created
	// for the run is always released before Run returns, including on error,
	// timeout, and context cancellation.
	Run(ctx context.Context, execID string, art artifact.Artifact, limits ResourceLimits) (*RawResult, error)

	// Available reports whether the backend can serve runs right now.
	Available(ctx context.Context) bool

	// Reclaim force-removes origin-tagged resources older than maxAge,
	// covering crash-recovery gaps the in-process guarantee cannot reach.
	Reclaim(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases backend-level resources.
	Close() error
}

// Manager selects a backend by risk tier and dispatches runs.
type Manager struct {
	process   Sandbox
	vm        Sandbox
	container Sandbox
	sweep     *Sweeper
}

// NewManager wires the three backends. Any backend may be nil when its host
// facility is absent; selection falls back one tier stronger where possible.
func NewManager(process, vm, container Sandbox) *Manager {
	return &Manager{process: process, vm: vm, container: container}
}

// StartSweep begins the periodic reclamation sweep. Call StopSweep on
// shutdown.
func (m *Manager) StartSweep(schedule string, maxAge time.Duration) error {
	sweep, err := NewSweeper(m.backends(), schedule, maxAge)
	if err != nil {
		return err
	}
	sweep.Start()
	m.sweep = sweep
	return nil
}

// StopSweep halts the reclamation sweep.
func (m *Manager) StopSweep() {
	if m.sweep != nil {
		m.sweep.Stop()
	}
}

// BackendFor maps a risk tier to its isolation backend. Pure function of the
// tier, independent of load, so selection is deterministic and testable.
func BackendFor(tier risk.Tier) string {
	switch tier {
	case risk.TierHigh:
		return "container"
	case risk.TierMedium:
		return "vm"
	default:
		return "process"
	}
}

// Execute runs the artifact on the backend selected by tier. If the selected
// backend is unavailable it falls back one isolation tier stronger (slower
// but safer), never weaker; with nothing stronger available the run fails.
func (m *Manager) Execute(ctx context.Context, execID string, art artifact.Artifact, tier risk.Tier, limits ResourceLimits) (*RawResult, error) {
	if err := limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate_limits", Err: err}
	}

	for _, backend := range m.escalationChain(tier) {
		if backend == nil {
			continue
		}
		if !backend.Available(ctx) {
			log.Warn().
				Str("exec_id", execID).
				Str("backend", backend.Name()).
				Msg("backend unavailable, escalating isolation tier")
			continue
		}
		if backend.Name() != BackendFor(tier) {
			log.Info().
				Str("exec_id", execID).
				Str("selected", BackendFor(tier)).
				Str("using", backend.Name()).
				Msg("running on stronger isolation backend")
		}
		return backend.Run(ctx, execID, art, limits)
	}

	return nil, &ExecutionError{
		ExecID: execID,
		Op:     "select_backend",
		Err:    fmt.Errorf("%w: no backend at or above tier %s", ErrBackendUnavailable, tier),
	}
}

// escalationChain lists backends from the tier's own backend up through
// strictly stronger isolation. Weaker backends are never candidates.
func (m *Manager) escalationChain(tier risk.Tier) []Sandbox {
	switch tier {
	case risk.TierHigh:
		return []Sandbox{m.container}
	case risk.TierMedium:
		return []Sandbox{m.vm, m.container}
	default:
		return []Sandbox{m.process, m.vm, m.container}
	}
}

func (m *Manager) backends() []Sandbox {
	var out []Sandbox
	for _, b := range []Sandbox{m.process, m.vm, m.container} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Close shuts down the sweep and every backend.
func (m *Manager) Close() error {
	m.StopSweep()
	var firstErr error
	for _, b := range m.backends() {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
