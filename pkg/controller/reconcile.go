package controller

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

// reconcileTick is one pass of the reconcile loop: advance in-flight
// deployments, enforce the build and deploy timeouts, and queue failed
// deployments for infrastructure cleanup.
func (c *Controller) reconcileTick(ctx context.Context) {
	logger := log.WithComponent("reconcile")

	seen := make(map[uuid.UUID]bool)
	candidates, err := c.store.FindNonTerminal(ctx, c.cfg.BatchLimit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list deployments")
		return
	}
	flagged, err := c.store.FindNeedingReconcile(ctx, c.cfg.BatchLimit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list flagged deployments")
		return
	}
	for _, d := range append(candidates, flagged...) {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		c.reconcileOne(ctx, d)
	}

	c.checkBuildTimeouts(ctx)
	c.queueFailedCleanup(ctx)
}

func (c *Controller) reconcileOne(ctx context.Context, d *types.Deployment) {
	logger := log.WithDeployment(d.DeploymentID)

	// Terminating and Cancelling rows belong to their own loops.
	if d.Status == types.DeploymentStatusTerminating || d.Status == types.DeploymentStatusCancelling {
		return
	}

	if c.deployTimedOut(d) {
		metrics.DeployTimeouts.Inc()
		logger.Warn().Msg("deploy timeout exceeded, terminating")
		if err := c.store.MarkTerminating(ctx, d.ID, types.TerminationReasonFailed); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to terminate timed-out deployment")
		}
		c.notify(ctx, d.ID, "deploy timeout exceeded")
		return
	}

	p, err := c.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load project")
		return
	}
	d.EnvVars, err = c.store.DeploymentEnvVars(ctx, d.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load env vars")
		return
	}

	callCtx, cancel := c.callCtx(ctx)
	result, err := c.backend.Reconcile(callCtx, d, p)
	cancel()
	if result != nil && result.Metadata != nil {
		if mdErr := c.store.UpdateControllerMetadata(ctx, d.ID, result.Metadata); mdErr != nil {
			logger.Error().Err(mdErr).Msg("failed to persist controller metadata")
		}
	}
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues("reconcile").Inc()
		logger.Error().Err(err).Msg("backend reconcile failed, will retry")
		return
	}

	c.applyResult(ctx, d, result)

	if d.NeedsReconcile {
		if err := c.store.ClearNeedsReconcile(ctx, d.ID); err != nil {
			logger.Error().Err(err).Msg("failed to clear reconcile flag")
		}
	}
}

// applyResult writes the backend's verdict back through the store.
func (c *Controller) applyResult(ctx context.Context, d *types.Deployment, result *backend.ReconcileResult) {
	logger := log.WithDeployment(d.DeploymentID)

	switch {
	case result.ErrorMessage != "":
		if err := c.store.MarkFailed(ctx, d.ID, result.ErrorMessage); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to mark deployment failed")
		}
		// Failed to Pending is only legal before any infrastructure exists.
		if result.Retry && phase(result.Metadata) == types.ReconcilePhaseNotStarted {
			if err := c.store.UpdateStatus(ctx, d.ID, types.DeploymentStatusPending); err != nil && !store.IsIllegalTransition(err) {
				logger.Error().Err(err).Msg("failed to retry deployment")
			}
			c.notify(ctx, d.ID, "retrying: "+result.ErrorMessage)
			return
		}
		c.notify(ctx, d.ID, result.ErrorMessage)

	case result.Status == types.DeploymentStatusHealthy:
		c.promote(ctx, d)

	case result.Status != d.Status:
		if err := c.store.UpdateStatus(ctx, d.ID, result.Status); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to update status")
		}
		c.notify(ctx, d.ID, "")
	}
}

// promote performs the active-pointer swap for a deployment that just
// became ready. The old active is read before the new deployment is marked
// Healthy; reading afterwards would return the new deployment itself and
// hide the one being replaced.
func (c *Controller) promote(ctx context.Context, d *types.Deployment) {
	logger := log.WithDeployment(d.DeploymentID)

	oldActive, err := c.store.FindActiveFor(ctx, d.ProjectID, d.DeploymentGroup)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read active pointer")
		return
	}

	// Pushed jumps through Deploying so deploying_started_at is stamped.
	if d.Status == types.DeploymentStatusPushed {
		if err := c.store.UpdateStatus(ctx, d.ID, types.DeploymentStatusDeploying); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to enter deploying")
			return
		}
	}
	if err := c.store.MarkHealthy(ctx, d.ID); err != nil {
		if !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to mark healthy")
		}
		return
	}

	if oldActive != nil && oldActive.ID != d.ID && !state.IsTerminal(oldActive.Status) {
		c.supersede(ctx, oldActive)
	}

	// Any other live deployment in the group is superseded too. In-progress
	// ones are left alone: they race to Healthy on their own and lose the
	// pointer when they get there.
	others, err := c.store.ListDeployments(ctx, d.ProjectID, d.DeploymentGroup)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list group deployments")
	} else {
		for _, other := range others {
			if other.ID == d.ID || (oldActive != nil && other.ID == oldActive.ID) {
				continue
			}
			if state.IsActive(other.Status) {
				c.supersede(ctx, other)
			}
		}
	}

	if err := c.store.MarkAsActive(ctx, d.ID, d.ProjectID, d.DeploymentGroup); err != nil {
		logger.Error().Err(err).Msg("failed to write active pointer")
		return
	}
	logger.Info().Str("group", d.DeploymentGroup).Msg("deployment promoted to active")
	c.notify(ctx, d.ID, "")
}

func (c *Controller) supersede(ctx context.Context, d *types.Deployment) {
	err := c.store.MarkTerminating(ctx, d.ID, types.TerminationReasonSuperseded)
	if err != nil && !store.IsIllegalTransition(err) {
		log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("failed to supersede")
		return
	}
	c.notify(ctx, d.ID, "superseded by newer deployment")
}

// checkBuildTimeouts fails deployments stuck in a pre-Pushed state, which
// happens when a client aborts mid-build and never reports again.
func (c *Controller) checkBuildTimeouts(ctx context.Context) {
	cutoff := c.clock.Now().Add(-c.cfg.BuildTimeout)
	stuck, err := c.store.FindStuckPrePushedBefore(ctx, cutoff, c.cfg.BatchLimit)
	if err != nil {
		log.WithComponent("reconcile").Error().Err(err).Msg("failed to list stuck deployments")
		return
	}
	for _, d := range stuck {
		metrics.BuildTimeouts.Inc()
		msg := fmt.Sprintf("no build progress for %s while %s", c.cfg.BuildTimeout, d.Status)
		if err := c.store.MarkFailed(ctx, d.ID, msg); err != nil && !store.IsIllegalTransition(err) {
			log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("failed to fail stuck deployment")
			continue
		}
		log.WithDeployment(d.DeploymentID).Warn().Msg("build timed out")
		c.notify(ctx, d.ID, msg)
	}
}

// queueFailedCleanup pushes Failed deployments through the terminate loop
// so infrastructure created before the failure gets destroyed. Rows whose
// termination reason is already recorded as failed have been through
// cleanup once and are left alone.
func (c *Controller) queueFailedCleanup(ctx context.Context) {
	failed, err := c.store.FindByStatus(ctx, types.DeploymentStatusFailed)
	if err != nil {
		log.WithComponent("reconcile").Error().Err(err).Msg("failed to list failed deployments")
		return
	}
	for _, d := range failed {
		if d.TerminationReason != nil && *d.TerminationReason == types.TerminationReasonFailed {
			continue
		}
		if err := c.store.MarkTerminating(ctx, d.ID, types.TerminationReasonFailed); err != nil && !store.IsIllegalTransition(err) {
			log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("failed to queue cleanup")
		}
	}
}

func (c *Controller) deployTimedOut(d *types.Deployment) bool {
	return d.Status == types.DeploymentStatusDeploying &&
		d.DeployingStartedAt != nil &&
		c.clock.Now().Sub(*d.DeployingStartedAt) > c.cfg.DeployTimeout
}

func phase(md *types.ControllerMetadata) types.ReconcilePhase {
	if md == nil {
		return types.ReconcilePhaseNotStarted
	}
	return md.Phase
}
