package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// cleanupContainer tears a container down: graceful task stop with a short
// grace period, then force delete of task and snapshot.
func (c *ContainerSandbox) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cleanupCtx = c.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to delete container")
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// Reclaim removes origin-tagged containers left over from previous runs or a
// crashed process. Containers younger than maxAge are skipped: they may
// belong to an in-flight execution in another process.
func (c *ContainerSandbox) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	nsCtx := c.client.WithNamespace(ctx)

	containerList, err := c.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var reclaimed int
	for _, container := range containerList {
		id := container.ID()
		if !strings.HasPrefix(id, originPrefix) {
			continue
		}

		if info, err := container.Info(nsCtx); err == nil && info.CreatedAt.After(cutoff) {
			continue
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Info().Msg("reclaiming orphaned sandbox container")

		if err := c.cleanupContainer(ctx, container); err != nil {
			logger.Error().Err(err).Msg("failed to reclaim container")
			continue
		}
		reclaimed++
	}

	return reclaimed, nil
}
