package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/types"
)

// Store is the typed data-access layer over the control-plane database.
// Every mutation runs in a single transaction; cross-row invariants (the
// active-deployment pointer, project status recomputation) are enforced
// inside the same transaction as the status change.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error)
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	MarkProjectDeleting(ctx context.Context, id uuid.UUID) error
	RecomputeProjectStatus(ctx context.Context, id uuid.UUID) error

	// Project env vars (mutable; edits never touch existing snapshots)
	ProjectEnvVars(ctx context.Context, projectID uuid.UUID) ([]types.EnvVar, error)
	SetProjectEnvVar(ctx context.Context, projectID uuid.UUID, v types.EnvVar) error
	DeleteProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) error

	// Custom domains
	ListCustomDomains(ctx context.Context, projectID uuid.UUID) ([]types.CustomDomain, error)

	// Teams
	IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *types.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (*types.Deployment, error)
	GetDeploymentByName(ctx context.Context, projectID uuid.UUID, deploymentID string) (*types.Deployment, error)
	ListDeployments(ctx context.Context, projectID uuid.UUID, group string) ([]*types.Deployment, error)
	DeploymentEnvVars(ctx context.Context, id uuid.UUID) ([]types.EnvVar, error)

	// Loop finders
	FindNonTerminal(ctx context.Context, limit int) ([]*types.Deployment, error)
	FindNeedingReconcile(ctx context.Context, limit int) ([]*types.Deployment, error)
	FindByStatus(ctx context.Context, status types.DeploymentStatus) ([]*types.Deployment, error)
	FindStuckPrePushedBefore(ctx context.Context, t time.Time, limit int) ([]*types.Deployment, error)
	FindActiveFor(ctx context.Context, projectID uuid.UUID, group string) (*types.Deployment, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*types.Deployment, error)
	CountByStatus(ctx context.Context) (map[types.DeploymentStatus]int, error)

	// Status mutations. Each validates the transition against pkg/state and
	// returns *IllegalTransitionError on a racing write.
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.DeploymentStatus) error
	MarkTerminating(ctx context.Context, id uuid.UUID, reason types.TerminationReason) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	MarkHealthy(ctx context.Context, id uuid.UUID) error
	MarkUnhealthy(ctx context.Context, id uuid.UUID, msg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	MarkStopped(ctx context.Context, id uuid.UUID) error
	MarkSuperseded(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error

	// Active pointer and reconcile bookkeeping
	MarkAsActive(ctx context.Context, id, projectID uuid.UUID, group string) error
	SetNeedsReconcile(ctx context.Context, id uuid.UUID) error
	ClearNeedsReconcile(ctx context.Context, id uuid.UUID) error
	UpdateControllerMetadata(ctx context.Context, id uuid.UUID, md *types.ControllerMetadata) error

	Close() error
}

// ComputeProjectStatus derives a project's calculated status from its
// deployments. Deployments must be ordered newest first for the Failed
// tie-break to be meaningful.
func ComputeProjectStatus(project *types.Project, deployments []*types.Deployment) types.ProjectStatus {
	if project.Status == types.ProjectStatusDeleting {
		return types.ProjectStatusDeleting
	}

	anyActive := false
	anyInProgress := false
	for _, d := range deployments {
		switch d.Status {
		case types.DeploymentStatusHealthy, types.DeploymentStatusUnhealthy:
			anyActive = true
		case types.DeploymentStatusPending, types.DeploymentStatusBuilding,
			types.DeploymentStatusPushing, types.DeploymentStatusPushed,
			types.DeploymentStatusDeploying, types.DeploymentStatusCancelling,
			types.DeploymentStatusTerminating:
			anyInProgress = true
		}
	}

	switch {
	case anyInProgress:
		return types.ProjectStatusDeploying
	case anyActive:
		return types.ProjectStatusRunning
	case len(deployments) > 0 && deployments[0].Status == types.DeploymentStatusFailed:
		return types.ProjectStatusFailed
	default:
		return types.ProjectStatusStopped
	}
}
