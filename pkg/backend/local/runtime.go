package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/types"
)

const stopTimeout = 10 * time.Second

// startContainer pulls the image and starts the deployment's container on
// the host network, with stdout/stderr captured to a log file.
func (b *Backend) startContainer(ctx context.Context, d *types.Deployment, p *types.Project, hostPort int, u *backend.URLs) (string, error) {
	ctx = namespaces.WithNamespace(ctx, b.cfg.Namespace)

	ref := d.ImageTag("", p.Name)
	image, err := b.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	containerID := p.Name + "-" + d.DeploymentID
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(containerEnv(d, hostPort, u)),
		// Host networking: the app binds the allocated port directly.
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	container, err := b.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(b.logPath(containerID)))
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}
	return containerID, nil
}

func containerEnv(d *types.Deployment, hostPort int, u *backend.URLs) []string {
	env := make([]string, 0, len(d.EnvVars)+4)
	for _, v := range d.EnvVars {
		env = append(env, v.Key+"="+v.Value)
	}
	env = append(env,
		"PORT="+strconv.Itoa(hostPort),
		"RISE_DEPLOYMENT_ID="+d.DeploymentID,
		"RISE_APP_URL="+u.PrimaryURL,
	)
	return env
}

// isRunning reports whether the container's task is currently running.
func (b *Backend) isRunning(ctx context.Context, containerID string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, b.cfg.Namespace)

	container, err := b.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status: %w", err)
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused, nil
}

// removeContainer stops (SIGTERM then SIGKILL) and deletes the container,
// its snapshot, and its log file. Missing pieces are not errors.
func (b *Backend) removeContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, b.cfg.Namespace)

	container, err := b.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to signal task: %w", err)
		}
		statusC, err := task.Wait(stopCtx)
		if err == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
					return fmt.Errorf("failed to force kill task: %w", err)
				}
			}
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	_ = os.Remove(b.logPath(containerID))
	return nil
}

func (b *Backend) logPath(containerID string) string {
	return filepath.Join(b.cfg.StateDir, "logs", containerID+".log")
}

// StreamLogs serves the container's captured log file. Follow mode polls
// the file for appended bytes.
func (b *Backend) StreamLogs(ctx context.Context, d *types.Deployment, opts backend.LogOptions) (io.ReadCloser, error) {
	entry, ok, err := b.state.Get(d.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no container for deployment %s", d.DeploymentID)
	}
	return openLogStream(ctx, b.logPath(entry.ContainerID), opts)
}
