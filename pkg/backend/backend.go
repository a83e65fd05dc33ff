package backend

import (
	"context"
	"io"
	"time"

	"github.com/risehq/rise/pkg/types"
)

// ReconcileResult is what a backend reports after one reconcile pass. The
// controller writes Metadata back to the deployment row verbatim.
type ReconcileResult struct {
	// Status the deployment should move to. Leaving it equal to the current
	// status means "still converging, try again next tick".
	Status types.DeploymentStatus

	// Metadata checkpoints backend progress (reconcile phase, assigned
	// ports, container IDs).
	Metadata *types.ControllerMetadata

	// ErrorMessage, when set, marks the deployment Failed with this
	// user-visible message.
	ErrorMessage string

	// Retry requests a Failed -> Pending retry. Only honoured while no
	// infrastructure exists (reconcile phase still NotStarted).
	Retry bool
}

// HealthResult is a single observation of a running deployment.
type HealthResult struct {
	Healthy   bool
	Message   string
	LastCheck time.Time
	PodStatus string
}

// LogOptions select what to stream from the workload's logs.
type LogOptions struct {
	Follow       bool
	TailLines    int64
	Timestamps   bool
	SinceSeconds int64
}

// URLs are the addresses a deployment is reachable at. PrimaryURL is the
// primary custom domain when one exists, otherwise DefaultURL.
type URLs struct {
	DefaultURL       string   `json:"default_url"`
	PrimaryURL       string   `json:"primary_url"`
	CustomDomainURLs []string `json:"custom_domain_urls,omitempty"`
}

// Backend maps logical deployment operations onto a concrete runtime.
// Reconcile and Terminate must be idempotent: the loops re-run them after
// crashes and partial failures, and every call must converge without
// accumulating side effects.
type Backend interface {
	// Reconcile advances the deployment one step toward running. Repeated
	// calls with the same inputs must converge.
	Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) (*ReconcileResult, error)

	// HealthCheck observes a deployment with live infrastructure.
	HealthCheck(ctx context.Context, d *types.Deployment) (*HealthResult, error)

	// Cancel cleans up build artifacts for a deployment that never reached
	// the runtime. There is no infrastructure to remove.
	Cancel(ctx context.Context, d *types.Deployment) error

	// Terminate gracefully shuts the workload down and destroys all its
	// infrastructure. Safe to retry.
	Terminate(ctx context.Context, d *types.Deployment) error

	// DeploymentURLs computes the URLs for a specific deployment.
	DeploymentURLs(ctx context.Context, d *types.Deployment, p *types.Project) (*URLs, error)

	// ProjectURLs computes the URLs a deployment in the group would get,
	// before any deployment exists. Used for previews and env injection.
	ProjectURLs(ctx context.Context, p *types.Project, group string) (*URLs, error)

	// StreamLogs returns the workload's log stream. The caller closes it.
	StreamLogs(ctx context.Context, d *types.Deployment, opts LogOptions) (io.ReadCloser, error)

	// Start launches backend-owned background loops (namespace GC, secret
	// refresh). Stop winds them down.
	Start(ctx context.Context) error
	Stop()
}
