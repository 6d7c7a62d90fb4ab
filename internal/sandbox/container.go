package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/artifact"
	rt "secure-agent-exec/internal/runtime"
)

// ContainerSandbox is the strongest backend, used for high-risk runs: a
// containerd container with an allow-list seccomp profile, no capabilities,
// private PID/IPC/network namespaces, masked privileged host paths, and a
// read-only root running as nobody.
type ContainerSandbox struct {
	client   *Client
	runtimes *rt.Registry
	extraEnv []string
	active   atomic.Int64
}

// NewContainerSandbox connects to containerd and creates the backend.
func NewContainerSandbox(ctx context.Context, socket, namespace string, extraEnv []string) (*ContainerSandbox, error) {
	client, err := NewClient(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}
	return &ContainerSandbox{
		client:   client,
		runtimes: rt.NewRegistry(),
		extraEnv: extraEnv,
	}, nil
}

func (c *ContainerSandbox) Name() string { return "container" }

// Available checks containerd connectivity.
func (c *ContainerSandbox) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.client.Healthy(probeCtx)
}

// Run executes the artifact in a locked-down container. Container and task
// are deleted on every exit path, including timeout and panic; a cleanup
// failure is logged and left to the reclamation sweep, never returned in
// place of the execution result.
func (c *ContainerSandbox) Run(ctx context.Context, execID string, art artifact.Artifact, limits ResourceLimits) (*RawResult, error) {
	logger := log.With().
		Str("exec_id", execID).
		Str("language", art.Language).
		Logger()

	runtimeImpl, err := c.runtimes.Get(art.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, art.Language)}
	}

	env, err := BuildEnv(c.extraEnv)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_env", Err: err}
	}

	hostCodeDir, err := os.MkdirTemp("", originPrefix+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_workdir", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(hostCodeDir); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("workdir cleanup failed")
		}
	}()

	codeFileName := "code" + runtimeImpl.FileExtension()
	hostCodePath := filepath.Join(hostCodeDir, codeFileName)
	if err := os.WriteFile(hostCodePath, []byte(art.Source), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostCodePath, 0444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	image, err := c.client.PullImage(execCtx, runtimeImpl.Image())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	secProfile := DefaultSecurityProfile()
	if limits.NetworkPolicy != NetworkNone {
		secProfile = NetworkAllowedSecurityProfile()
	}

	containerID := originPrefix + execID
	codePath := "/workspace/" + codeFileName

	container, err := c.createContainer(execCtx, containerID, image, runtimeImpl, codePath, hostCodeDir, env, limits, secProfile)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := c.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed, leaving to reclamation sweep")
		}
	}()

	c.active.Add(1)
	defer c.active.Add(-1)

	start := time.Now()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(c.client.WithNamespace(execCtx),
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, delErr := task.Delete(c.client.WithNamespace(context.Background()), containerd.WithProcessKill); delErr != nil {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(c.client.WithNamespace(execCtx))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	if err := task.Start(c.client.WithNamespace(execCtx)); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}

	var exitCode int
	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())

	case <-execCtx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		if killErr := task.Kill(c.client.WithNamespace(context.Background()), 9); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill timed out task")
		}
		<-exitCh

		return &RawResult{
			ExecID:   execID,
			Stdout:   truncateOutput(stdout.String(), 1<<20),
			Stderr:   truncateOutput(stderr.String(), 256*1024),
			ExitCode: -1,
			Duration: time.Since(start),
			Backend:  c.Name(),
		}, &ExecutionError{ExecID: execID, Op: "run", Err: ErrTimeout}
	}

	duration := time.Since(start)
	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("container execution completed")

	return &RawResult{
		ExecID:       execID,
		Stdout:       truncateOutput(stdout.String(), 1<<20),
		Stderr:       truncateOutput(stderr.String(), 256*1024),
		ExitCode:     exitCode,
		Duration:     duration,
		MemoryPeakMB: 0, // cgroup memory.peak wiring is backend-version dependent
		Backend:      c.Name(),
	}, nil
}

func (c *ContainerSandbox) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	runtimeImpl rt.Runtime,
	codePath string,
	hostCodeDir string,
	env []string,
	limits ResourceLimits,
	secProfile SecurityProfile,
) (containerd.Container, error) {
	nsCtx := c.client.WithNamespace(ctx)

	container, err := c.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(runtimeImpl.Command(codePath)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = env

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (c *ContainerSandbox) Close() error {
	return c.client.Close()
}

// ActiveCount returns the number of in-flight runs.
func (c *ContainerSandbox) ActiveCount() int64 {
	return c.active.Load()
}
