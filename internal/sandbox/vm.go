package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/artifact"
	rt "secure-agent-exec/internal/runtime"
)

// VMSandbox is the medium-isolation backend: each run gets a microVM with its
// own kernel, driven through the krunvm CLI. Slower to start than a process,
// stronger than one; weaker than the locked-down container profile only in
// the sense that it trades seccomp granularity for a separate kernel.
type VMSandbox struct {
	binary   string
	runtimes *rt.Registry
	extraEnv []string

	mu      sync.Mutex
	created map[string]time.Time // instance name -> creation time
}

// NewVMSandbox creates the VM backend. Returns ErrBackendUnavailable if the
// hypervisor CLI is not installed.
func NewVMSandbox(binary string, extraEnv []string) (*VMSandbox, error) {
	if binary == "" {
		binary = "krunvm"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrBackendUnavailable, binary)
	}
	return &VMSandbox{
		binary:   path,
		runtimes: rt.NewRegistry(),
		extraEnv: extraEnv,
		created:  make(map[string]time.Time),
	}, nil
}

func (v *VMSandbox) Name() string { return "vm" }

// Available probes the hypervisor CLI.
func (v *VMSandbox) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(probeCtx, v.binary, "list").Run() == nil // #nosec G204 -- binary resolved at construction
}

// Run executes the artifact inside a fresh microVM. The VM is deleted on
// every exit path; deletion failure is logged and left to the sweep, never
// returned in place of the execution result.
func (v *VMSandbox) Run(ctx context.Context, execID string, art artifact.Artifact, limits ResourceLimits) (*RawResult, error) {
	runtimeImpl, err := v.runtimes.Get(art.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, art.Language)}
	}

	env, err := BuildEnv(v.extraEnv)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_env", Err: err}
	}

	hostCodeDir, err := os.MkdirTemp("", originPrefix+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_workdir", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(hostCodeDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("exec_id", execID).Msg("workdir cleanup failed")
		}
	}()

	codeFile := "code" + runtimeImpl.FileExtension()
	if err := os.WriteFile(filepath.Join(hostCodeDir, codeFile), []byte(art.Source), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	name := originPrefix + execID
	createCtx, createCancel := context.WithTimeout(ctx, 30*time.Second)
	defer createCancel()

	createArgs := []string{
		"create", runtimeImpl.Image(),
		"--name", name,
		"--cpus", fmt.Sprintf("%d", vcpus(limits.CPUCores)),
		"--mem", fmt.Sprintf("%d", limits.MemoryMB),
		"-v", hostCodeDir + ":/workspace",
	}
	if out, err := exec.CommandContext(createCtx, v.binary, createArgs...).CombinedOutput(); err != nil { // #nosec G204
		return nil, &ExecutionError{ExecID: execID, Op: "create_vm",
			Err: fmt.Errorf("%w: %v: %s", ErrBackendUnavailable, err, strings.TrimSpace(string(out)))}
	}
	v.track(name)
	// VM teardown runs on every exit path from here on.
	defer v.deleteVM(name, execID)

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	guest := guestCommand(env, runtimeImpl.Command("/workspace/"+codeFile))
	startArgs := append([]string{"start", name, guest[0], "--"}, guest[1:]...)
	cmd := exec.CommandContext(execCtx, v.binary, startArgs...) // #nosec G204

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &RawResult{
		ExecID:   execID,
		Stdout:   truncateOutput(stdout.String(), 1<<20),
		Stderr:   truncateOutput(stderr.String(), 256*1024),
		Duration: duration,
		Backend:  v.Name(),
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

	return result, nil
}

// Reclaim deletes origin-tagged VMs older than maxAge that a crash orphaned.
func (v *VMSandbox) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(listCtx, v.binary, "list").Output() // #nosec G204
	if err != nil {
		return 0, fmt.Errorf("listing VMs: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var reclaimed int
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if !strings.HasPrefix(name, originPrefix) {
			continue
		}
		if createdAt, ok := v.createdAt(name); ok && createdAt.After(cutoff) {
			continue
		}
		log.Info().Str("vm", name).Msg("reclaiming orphaned VM")
		v.deleteVM(name, "")
		reclaimed++
	}
	return reclaimed, nil
}

func (v *VMSandbox) Close() error { return nil }

// deleteVM force-removes a VM. Failures are logged, never re-thrown: the
// execution's own result must not be masked by cleanup trouble.
func (v *VMSandbox) deleteVM(name, execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(ctx, v.binary, "delete", name).CombinedOutput(); err != nil { // #nosec G204
		log.Error().
			Err(err).
			Str("vm", name).
			Str("exec_id", execID).
			Str("output", strings.TrimSpace(string(out))).
			Msg("VM deletion failed, leaving to reclamation sweep")
		return
	}
	v.untrack(name)
}

func (v *VMSandbox) track(name string) {
	v.mu.Lock()
	v.created[name] = time.Now()
	v.mu.Unlock()
}

func (v *VMSandbox) untrack(name string) {
	v.mu.Lock()
	delete(v.created, name)
	v.mu.Unlock()
}

func (v *VMSandbox) createdAt(name string) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.created[name]
	return t, ok
}

// guestCommand wraps the run command with the allow-listed environment. The
// hypervisor CLI has no flag for guest environment variables, so env(1) inside
// the VM carries them.
func guestCommand(env, command []string) []string {
	out := make([]string, 0, len(env)+len(command)+1)
	out = append(out, "/usr/bin/env")
	out = append(out, env...)
	return append(out, command...)
}

func vcpus(cores float64) int {
	n := int(cores + 0.999)
	if n < 1 {
		n = 1
	}
	return n
}
