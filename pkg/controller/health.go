package controller

import (
	"context"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

// healthTick probes Healthy and Unhealthy deployments and flips them when
// the observation disagrees with the recorded status.
func (c *Controller) healthTick(ctx context.Context) {
	logger := log.WithComponent("health")

	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusHealthy,
		types.DeploymentStatusUnhealthy,
	} {
		ds, err := c.store.FindByStatus(ctx, status)
		if err != nil {
			logger.Error().Err(err).Str("status", string(status)).Msg("failed to list deployments")
			continue
		}
		for _, d := range ds {
			c.checkOne(ctx, d)
		}
	}
}

func (c *Controller) checkOne(ctx context.Context, d *types.Deployment) {
	logger := log.WithDeployment(d.DeploymentID)

	callCtx, cancel := c.callCtx(ctx)
	res, err := c.backend.HealthCheck(callCtx, d)
	cancel()
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues("health").Inc()
		logger.Error().Err(err).Msg("health check failed, keeping last status")
		return
	}

	md := d.ControllerMetadata
	if md == nil {
		md = &types.ControllerMetadata{}
	}
	md.Health = &types.HealthReport{
		Healthy:   res.Healthy,
		Message:   res.Message,
		LastCheck: res.LastCheck,
	}
	if res.PodStatus != "" {
		md.PodStatus = res.PodStatus
	}
	if err := c.store.UpdateControllerMetadata(ctx, d.ID, md); err != nil {
		logger.Error().Err(err).Msg("failed to persist health report")
	}

	switch {
	case d.Status == types.DeploymentStatusHealthy && !res.Healthy:
		if err := c.store.MarkUnhealthy(ctx, d.ID, res.Message); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to mark unhealthy")
			return
		}
		logger.Warn().Str("reason", res.Message).Msg("deployment became unhealthy")
		c.notify(ctx, d.ID, res.Message)

	case d.Status == types.DeploymentStatusUnhealthy && res.Healthy:
		if err := c.store.MarkHealthy(ctx, d.ID); err != nil && !store.IsIllegalTransition(err) {
			logger.Error().Err(err).Msg("failed to mark healthy")
			return
		}
		logger.Info().Msg("deployment recovered")
		c.notify(ctx, d.ID, "recovered")
	}
}
