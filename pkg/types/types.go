package types

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls who can see a project.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ProjectStatus is derived from the statuses of a project's deployments.
// It is never written directly by handlers; the store recomputes it after
// every deployment status change.
type ProjectStatus string

const (
	ProjectStatusRunning   ProjectStatus = "running"
	ProjectStatusStopped   ProjectStatus = "stopped"
	ProjectStatusDeploying ProjectStatus = "deploying"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusDeleting  ProjectStatus = "deleting"
)

// Project groups deployments under a unique name. A project is owned by
// exactly one of a user or a team.
type Project struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	Name        string        `db:"name" json:"name"`
	Visibility  Visibility    `db:"visibility" json:"visibility"`
	OwnerUserID *uuid.UUID    `db:"owner_user_id" json:"owner_user_id,omitempty"`
	OwnerTeamID *uuid.UUID    `db:"owner_team_id" json:"owner_team_id,omitempty"`
	Status      ProjectStatus `db:"status" json:"status"`
	Finalizers  StringList    `db:"finalizers" json:"finalizers,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// DefaultDeploymentGroup is the group deployments land in when none is given.
const DefaultDeploymentGroup = "default"

// DeploymentStatus is the lifecycle state of a deployment. The legal
// transitions live in pkg/state; the store rejects anything else.
type DeploymentStatus string

const (
	DeploymentStatusPending     DeploymentStatus = "pending"
	DeploymentStatusBuilding    DeploymentStatus = "building"
	DeploymentStatusPushing     DeploymentStatus = "pushing"
	DeploymentStatusPushed      DeploymentStatus = "pushed"
	DeploymentStatusDeploying   DeploymentStatus = "deploying"
	DeploymentStatusHealthy     DeploymentStatus = "healthy"
	DeploymentStatusUnhealthy   DeploymentStatus = "unhealthy"
	DeploymentStatusCancelling  DeploymentStatus = "cancelling"
	DeploymentStatusTerminating DeploymentStatus = "terminating"
	DeploymentStatusCancelled   DeploymentStatus = "cancelled"
	DeploymentStatusStopped     DeploymentStatus = "stopped"
	DeploymentStatusSuperseded  DeploymentStatus = "superseded"
	DeploymentStatusFailed      DeploymentStatus = "failed"
	DeploymentStatusExpired     DeploymentStatus = "expired"
)

// TerminationReason records why a deployment entered Terminating. The
// terminate loop maps it mechanically to the matching terminal status.
type TerminationReason string

const (
	TerminationReasonSuperseded  TerminationReason = "superseded"
	TerminationReasonUserStopped TerminationReason = "user_stopped"
	TerminationReasonFailed      TerminationReason = "failed"
	TerminationReasonExpired     TerminationReason = "expired"
	TerminationReasonCancelled   TerminationReason = "cancelled"
)

// Deployment is one immutable rollout of a container image within a
// project/group. Its env vars are a snapshot taken at creation time and
// never change afterwards.
type Deployment struct {
	ID                 uuid.UUID           `db:"id" json:"id"`
	DeploymentID       string              `db:"deployment_id" json:"deployment_id"`
	ProjectID          uuid.UUID           `db:"project_id" json:"project_id"`
	CreatedByUserID    uuid.UUID           `db:"created_by_user_id" json:"created_by_user_id"`
	DeploymentGroup    string              `db:"deployment_group" json:"deployment_group"`
	Status             DeploymentStatus    `db:"status" json:"status"`
	Image              string              `db:"image" json:"image,omitempty"`
	ImageDigest        string              `db:"image_digest" json:"image_digest,omitempty"`
	HTTPPort           int                 `db:"http_port" json:"http_port"`
	ExpiresAt          *time.Time          `db:"expires_at" json:"expires_at,omitempty"`
	DeployingStartedAt *time.Time          `db:"deploying_started_at" json:"deploying_started_at,omitempty"`
	ControllerMetadata *ControllerMetadata `db:"controller_metadata" json:"controller_metadata,omitempty"`
	ErrorMessage       string              `db:"error_message" json:"error_message,omitempty"`
	CompletedAt        *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	TerminationReason  *TerminationReason  `db:"termination_reason" json:"termination_reason,omitempty"`
	NeedsReconcile     bool                `db:"needs_reconcile" json:"needs_reconcile"`
	EnvVars            []EnvVar            `db:"-" json:"env_vars,omitempty"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// EnvVar is a single environment variable. Secret values are stored
// ciphertext-only; decryption happens at injection time.
type EnvVar struct {
	Key         string `db:"key" json:"key"`
	Value       string `db:"value" json:"value"`
	IsSecret    bool   `db:"is_secret" json:"is_secret"`
	IsProtected bool   `db:"is_protected" json:"is_protected"`
}

// ReconcilePhase checkpoints multi-step backend reconciliation so a crashed
// reconcile resumes where it left off.
type ReconcilePhase string

const (
	ReconcilePhaseNotStarted         ReconcilePhase = ""
	ReconcilePhaseCreatingNamespace  ReconcilePhase = "creating_namespace"
	ReconcilePhaseApplyingDeployment ReconcilePhase = "applying_deployment"
	ReconcilePhaseApplyingService    ReconcilePhase = "applying_service"
	ReconcilePhaseApplyingIngress    ReconcilePhase = "applying_ingress"
	ReconcilePhaseWaitingForReady    ReconcilePhase = "waiting_for_ready"
	ReconcilePhaseCompleted          ReconcilePhase = "completed"
)

// ControllerMetadata is the backend-owned blob stored on the deployment
// row. The controller writes it back verbatim after each reconcile; the
// health loop additionally refreshes Health and PodStatus.
type ControllerMetadata struct {
	Phase       ReconcilePhase `json:"phase,omitempty"`
	Health      *HealthReport  `json:"health,omitempty"`
	PodStatus   string         `json:"pod_status,omitempty"`
	HostPort    int            `json:"host_port,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
}

// HealthReport is the last observed health of an active deployment.
type HealthReport struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// ActiveDeployment records which deployment currently receives traffic for
// a (project, group) pair. At most one row exists per pair.
type ActiveDeployment struct {
	ProjectID       uuid.UUID `db:"project_id" json:"project_id"`
	DeploymentGroup string    `db:"deployment_group" json:"deployment_group"`
	DeploymentID    uuid.UUID `db:"deployment_id" json:"deployment_id"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// CustomDomain is a verified domain attached to a project. Custom domains
// apply only to the default deployment group.
type CustomDomain struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`
	Domain    string    `db:"domain" json:"domain"`
	IsPrimary bool      `db:"is_primary" json:"is_primary"`
	Verified  bool      `db:"verified" json:"verified"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Team owns projects on behalf of multiple users.
type Team struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TeamMember links a user to a team.
type TeamMember struct {
	TeamID    uuid.UUID `db:"team_id" json:"team_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RegistryCredentials grant push/pull access to the image registry. The
// Kubernetes backend mirrors them into per-project pull Secrets.
type RegistryCredentials struct {
	RegistryURL string     `json:"registry_url"`
	Username    string     `json:"username"`
	Password    string     `json:"password"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ImageTag returns the image reference the runtime should run: the pinned
// digest for pre-built images, otherwise registry/{project}:{deployment_id}.
func (d *Deployment) ImageTag(registry, projectName string) string {
	if d.ImageDigest != "" {
		return d.ImageDigest
	}
	if d.Image != "" {
		return d.Image
	}
	return registry + "/" + projectName + ":" + d.DeploymentID
}

// Expired reports whether the deployment's expiry, if any, has passed.
func (d *Deployment) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}
