package local

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/containerd/containerd"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

const (
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultNamespace is the containerd namespace deployments run in.
	DefaultNamespace = "rise"
)

// Config tunes the local backend.
type Config struct {
	// Socket is the containerd socket path.
	Socket string `yaml:"socket"`
	// Namespace is the containerd namespace.
	Namespace string `yaml:"namespace"`
	// StateDir holds the bbolt state file and container log files.
	StateDir string `yaml:"state_dir"`
	// PortRangeStart / PortRangeEnd bound host port allocation.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Socket == "" {
		out.Socket = DefaultSocketPath
	}
	if out.Namespace == "" {
		out.Namespace = DefaultNamespace
	}
	if out.PortRangeStart == 0 {
		out.PortRangeStart = 20000
	}
	if out.PortRangeEnd == 0 {
		out.PortRangeEnd = 21000
	}
	return out
}

// Backend runs single-replica deployments on a host containerd socket.
// Containers share the host network namespace and listen on an allocated
// host port; the deployment to container/port mapping is persisted in a
// bbolt file so reconcile survives restarts.
type Backend struct {
	cfg    Config
	client *containerd.Client
	state  *State
	store  store.Store
	urls   *urls.Calculator
	prober *Prober
}

// New connects to containerd and opens the state file.
func New(cfg Config, st store.Store, calc *urls.Calculator) (*Backend, error) {
	c := cfg.withDefaults()
	client, err := containerd.New(c.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	state, err := OpenState(c.StateDir)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Backend{
		cfg:    c,
		client: client,
		state:  state,
		store:  st,
		urls:   calc,
		prober: NewProber(5 * time.Second),
	}, nil
}

// Start is a no-op: the local backend has no background loops.
func (b *Backend) Start(ctx context.Context) error {
	log.WithComponent("local").Info().
		Str("socket", b.cfg.Socket).
		Str("namespace", b.cfg.Namespace).
		Msg("local backend started")
	return nil
}

// Stop closes containerd and the state file.
func (b *Backend) Stop() {
	if err := b.state.Close(); err != nil {
		log.WithComponent("local").Error().Err(err).Msg("failed to close state")
	}
	if err := b.client.Close(); err != nil {
		log.WithComponent("local").Error().Err(err).Msg("failed to close containerd client")
	}
}

// Reconcile pulls the image, allocates a host port, creates and starts the
// container, then waits for the health probe to pass. Progress lives in
// the controller metadata and the bbolt state, so a crashed reconcile
// resumes instead of double-starting.
func (b *Backend) Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.ReconcileResult, error) {
	md := &types.ControllerMetadata{}
	if d.ControllerMetadata != nil {
		cp := *d.ControllerMetadata
		md = &cp
	}
	result := &backend.ReconcileResult{Status: types.DeploymentStatusDeploying, Metadata: md}

	entry, ok, err := b.state.Get(d.ID)
	if err != nil {
		return result, err
	}

	if !ok {
		md.Phase = types.ReconcilePhaseApplyingDeployment
		u, err := b.DeploymentURLs(ctx, d, p)
		if err != nil {
			return result, err
		}
		port, err := b.state.AllocatePort(b.cfg.PortRangeStart, b.cfg.PortRangeEnd)
		if err != nil {
			return result, err
		}
		containerID, err := b.startContainer(ctx, d, p, port, u)
		if err != nil {
			b.state.ReleasePort(port)
			return result, err
		}
		entry = &Entry{ContainerID: containerID, HostPort: port}
		if err := b.state.Put(d.ID, entry); err != nil {
			return result, err
		}
	}

	md.ContainerID = entry.ContainerID
	md.HostPort = entry.HostPort
	md.Phase = types.ReconcilePhaseWaitingForReady

	running, err := b.isRunning(ctx, entry.ContainerID)
	if err != nil {
		return result, err
	}
	if !running {
		result.ErrorMessage = "container exited before becoming healthy"
		md.PodStatus = "Exited"
		return result, nil
	}
	md.PodStatus = "Running"

	probe := b.prober.Check(ctx, probeURL(entry.HostPort))
	if probe.Healthy {
		md.Phase = types.ReconcilePhaseCompleted
		result.Status = types.DeploymentStatusHealthy
		log.WithDeployment(d.DeploymentID).Info().Int("port", entry.HostPort).Msg("deployment ready")
	}
	return result, nil
}

// HealthCheck probes the container's HTTP port.
func (b *Backend) HealthCheck(ctx context.Context, d *types.Deployment) (*backend.HealthResult, error) {
	result := &backend.HealthResult{LastCheck: time.Now()}

	entry, ok, err := b.state.Get(d.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Message = "no container recorded"
		result.PodStatus = "Unknown"
		return result, nil
	}

	running, err := b.isRunning(ctx, entry.ContainerID)
	if err != nil {
		return nil, err
	}
	if !running {
		result.Message = "container not running"
		result.PodStatus = "Exited"
		return result, nil
	}

	probe := b.prober.Check(ctx, probeURL(entry.HostPort))
	result.Healthy = probe.Healthy
	result.Message = probe.Message
	result.PodStatus = "Running"
	return result, nil
}

// Cancel has no build artifacts to clean on the local host.
func (b *Backend) Cancel(ctx context.Context, d *types.Deployment) error {
	return nil
}

// Terminate stops and deletes the container and releases its host port.
// Safe to retry: a missing container just clears the state entry.
func (b *Backend) Terminate(ctx context.Context, d *types.Deployment) error {
	entry, ok, err := b.state.Get(d.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := b.removeContainer(ctx, entry.ContainerID); err != nil {
		return err
	}
	if err := b.state.Delete(d.ID); err != nil {
		return err
	}
	log.WithDeployment(d.DeploymentID).Info().Int("port", entry.HostPort).Msg("container removed")
	return nil
}

// DeploymentURLs computes the URLs for a deployment.
func (b *Backend) DeploymentURLs(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.URLs, error) {
	return b.ProjectURLs(ctx, p, d.DeploymentGroup)
}

// ProjectURLs computes the URLs a deployment in the group would get.
func (b *Backend) ProjectURLs(ctx context.Context, p *types.Project, group string) (*backend.URLs, error) {
	domains, err := b.store.ListCustomDomains(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return b.urls.Resolve(p, group, domains), nil
}

func probeURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port) + "/"
}

var _ backend.Backend = (*Backend)(nil)
