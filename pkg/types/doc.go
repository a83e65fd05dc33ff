/*
Package types defines the core data structures of the Rise control plane.

The central entity is the Deployment: one immutable rollout of a container
image within a (project, deployment group) pair. Projects own a mutable set
of environment variables; each deployment carries an immutable snapshot of
them taken at creation time. The ActiveDeployment row records which
deployment per (project, group) is currently wired into the ingress.

Enumerations follow the typed string constant pattern:

	type DeploymentStatus string
	const (
		DeploymentStatusPending DeploymentStatus = "pending"
		DeploymentStatusHealthy DeploymentStatus = "healthy"
	)

The legal transitions between deployment statuses live in pkg/state; this
package only names the states. ControllerMetadata is owned by whichever
backend runs the deployment and is persisted verbatim as JSONB.
*/
package types
