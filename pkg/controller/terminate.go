package controller

import (
	"context"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

// terminateTick destroys infrastructure for Terminating deployments and
// lands each in the terminal status its termination reason dictates. A
// backend failure leaves the row in Terminating for the next tick.
func (c *Controller) terminateTick(ctx context.Context) {
	logger := log.WithComponent("terminate")

	ds, err := c.store.FindByStatus(ctx, types.DeploymentStatusTerminating)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list terminating deployments")
		return
	}
	for _, d := range ds {
		c.terminateOne(ctx, d)
	}
}

func (c *Controller) terminateOne(ctx context.Context, d *types.Deployment) {
	logger := log.WithDeployment(d.DeploymentID)

	callCtx, cancel := c.callCtx(ctx)
	err := c.backend.Terminate(callCtx, d)
	cancel()
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues("terminate").Inc()
		logger.Error().Err(err).Msg("backend terminate failed, will retry")
		return
	}

	reason := types.TerminationReasonFailed
	if d.TerminationReason != nil {
		reason = *d.TerminationReason
	}

	switch state.TerminalFor(reason) {
	case types.DeploymentStatusSuperseded:
		err = c.store.MarkSuperseded(ctx, d.ID)
	case types.DeploymentStatusStopped:
		err = c.store.MarkStopped(ctx, d.ID)
	case types.DeploymentStatusExpired:
		err = c.store.MarkExpired(ctx, d.ID)
	case types.DeploymentStatusCancelled:
		err = c.store.MarkCancelled(ctx, d.ID)
	default:
		err = c.store.MarkFailed(ctx, d.ID, d.ErrorMessage)
	}
	if err != nil && !store.IsIllegalTransition(err) {
		logger.Error().Err(err).Msg("failed to finalize termination")
		return
	}

	metrics.TerminationsTotal.WithLabelValues(string(reason)).Inc()
	logger.Info().Str("reason", string(reason)).Msg("deployment terminated")
	c.notify(ctx, d.ID, "")
}

// cancelTick completes cancellation for deployments whose build was aborted
// before any infrastructure existed.
func (c *Controller) cancelTick(ctx context.Context) {
	logger := log.WithComponent("cancel")

	ds, err := c.store.FindByStatus(ctx, types.DeploymentStatusCancelling)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list cancelling deployments")
		return
	}
	for _, d := range ds {
		callCtx, cancel := c.callCtx(ctx)
		err := c.backend.Cancel(callCtx, d)
		cancel()
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("cancel").Inc()
			log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("backend cancel failed, will retry")
			continue
		}
		c.finishCancel(ctx, d.ID, d.DeploymentID)
	}
}

func (c *Controller) finishCancel(ctx context.Context, id uuid.UUID, deploymentID string) {
	if err := c.store.MarkCancelled(ctx, id); err != nil && !store.IsIllegalTransition(err) {
		log.WithDeployment(deploymentID).Error().Err(err).Msg("failed to mark cancelled")
		return
	}
	metrics.TerminationsTotal.WithLabelValues(string(types.TerminationReasonCancelled)).Inc()
	log.WithDeployment(deploymentID).Info().Msg("deployment cancelled")
	c.notify(ctx, id, "cancelled")
}
