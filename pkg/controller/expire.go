package controller

import (
	"context"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

// expireTick moves deployments past their expires_at into termination. The
// terminate loop finishes the job; expiry itself is just a reason stamp.
func (c *Controller) expireTick(ctx context.Context) {
	logger := log.WithComponent("expire")

	ds, err := c.store.FindExpired(ctx, c.clock.Now(), c.cfg.BatchLimit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list expired deployments")
		return
	}
	for _, d := range ds {
		if err := c.store.MarkTerminating(ctx, d.ID, types.TerminationReasonExpired); err != nil {
			if !store.IsIllegalTransition(err) {
				log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("failed to expire")
			}
			continue
		}
		log.WithDeployment(d.DeploymentID).Info().Msg("deployment expired")
		c.notify(ctx, d.ID, "expired")
	}
}
