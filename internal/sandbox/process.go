package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/artifact"
	rt "secure-agent-exec/internal/runtime"
)

// processWaitDelay is how long to wait for pipe reads after the process group
// is killed before giving up on them.
const processWaitDelay = 3 * time.Second

// ProcessSandbox is the lightweight backend for low-risk runs: a host process
// in its own session with a scrubbed environment, a private working
// directory, and a wall-clock kill. No ambient credentials reach the child.
type ProcessSandbox struct {
	runtimes *rt.Registry
	extraEnv []string
	active   atomic.Int64
}

// NewProcessSandbox creates the process backend. extraEnv entries go through
// the same allow-list discipline as every other backend.
func NewProcessSandbox(extraEnv []string) *ProcessSandbox {
	return &ProcessSandbox{
		runtimes: rt.NewRegistry(),
		extraEnv: extraEnv,
	}
}

func (p *ProcessSandbox) Name() string { return "process" }

// Available reports whether host processes can be spawned with session
// isolation on this platform.
func (p *ProcessSandbox) Available(_ context.Context) bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

// Run executes the artifact as a host process. The working directory and the
// process group are both released on every exit path.
func (p *ProcessSandbox) Run(ctx context.Context, execID string, art artifact.Artifact, limits ResourceLimits) (*RawResult, error) {
	// No network namespace here. A policy this backend cannot enforce is
	// refused outright rather than silently unenforced.
	if limits.NetworkPolicy != "" && limits.NetworkPolicy != NetworkNone {
		return nil, &ExecutionError{ExecID: execID, Op: "network_policy",
			Err: fmt.Errorf("%w: process backend supports network_policy none only, got %q", ErrInvalidRequest, limits.NetworkPolicy)}
	}

	runtimeImpl, err := p.runtimes.Get(art.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, art.Language)}
	}

	env, err := BuildEnv(p.extraEnv)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_env", Err: err}
	}

	workDir, err := os.MkdirTemp("", originPrefix+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_workdir", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("exec_id", execID).Msg("workdir cleanup failed")
		}
	}()

	codePath := filepath.Join(workDir, "code"+runtimeImpl.FileExtension())
	if err := os.WriteFile(codePath, []byte(art.Source), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	args := runtimeImpl.HostCommand(codePath)
	cmd := exec.CommandContext(execCtx, args[0], args[1:]...) // #nosec G204 -- args come from the runtime registry, not the artifact
	cmd.Dir = workDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setupProcessGroup(cmd)

	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: err}
	}
	if err := applyProcessRlimits(cmd.Process.Pid, limits); err != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, &ExecutionError{ExecID: execID, Op: "apply_limits", Err: err}
	}
	runErr := cmd.Wait()
	duration := time.Since(start)

	result := &RawResult{
		ExecID:       execID,
		Stdout:       truncateOutput(stdout.String(), 1<<20),
		Stderr:       truncateOutput(stderr.String(), 256*1024),
		Duration:     duration,
		MemoryPeakMB: memoryPeakMB(cmd),
		Backend:      p.Name(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, &ExecutionError{ExecID: execID, Op: "run", Err: ErrTimeout}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, &ExecutionError{ExecID: execID, Op: "run", Err: runErr}
	}

	result.ExitCode = 0
	return result, nil
}

// Reclaim removes leftover origin-tagged working directories older than
// maxAge. Process groups die with their session, so directories are the only
// resource a crash can leak here.
func (p *ProcessSandbox) Reclaim(_ context.Context, maxAge time.Duration) (int, error) {
	pattern := filepath.Join(os.TempDir(), originPrefix+"*")
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("listing workdirs: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var reclaimed int
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to reclaim workdir")
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (p *ProcessSandbox) Close() error { return nil }

// ActiveCount returns the number of in-flight runs.
func (p *ProcessSandbox) ActiveCount() int64 {
	return p.active.Load()
}

// setupProcessGroup gives the child its own session so a timeout kill reaches
// the whole group, including grandchildren holding the output pipes open.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		pid := cmd.Process.Pid
		// kill(-1) would kill every user process and kill(0) the caller's own
		// group. Treat invalid PIDs as already done.
		if pid <= 1 {
			return os.ErrProcessDone
		}
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return os.ErrProcessDone
			}
			return err
		}
		return nil
	}
	cmd.WaitDelay = processWaitDelay
}

// processRlimit is one kernel limit pinned on a spawned child.
type processRlimit struct {
	name  string
	value uint64
}

// processRlimits translates the profile into kernel limit values. RLIMIT_CPU
// is aggregate CPU seconds: the core share scaled over the wall-clock budget.
func processRlimits(limits ResourceLimits) []processRlimit {
	cpuSeconds := uint64(math.Ceil(limits.CPUCores * limits.Timeout.Seconds()))
	if cpuSeconds < 1 {
		cpuSeconds = 1
	}
	return []processRlimit{
		{"RLIMIT_AS", safeUint64(limits.MemoryMB) * 1024 * 1024},
		{"RLIMIT_CPU", cpuSeconds},
		{"RLIMIT_NPROC", safeUint64(limits.PidsLimit)},
		{"RLIMIT_FSIZE", safeUint64(limits.DiskMB) * 1024 * 1024},
		{"RLIMIT_CORE", 0},
	}
}

func memoryPeakMB(cmd *exec.Cmd) int64 {
	if cmd.ProcessState == nil {
		return 0
	}
	usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// Maxrss is KB on Linux, bytes on Darwin.
	if runtime.GOOS == "darwin" {
		return usage.Maxrss / (1024 * 1024)
	}
	return usage.Maxrss / 1024
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	truncated := s[:maxBytes]
	if idx := strings.LastIndexByte(truncated, '\n'); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + "\n... [output truncated]"
}
