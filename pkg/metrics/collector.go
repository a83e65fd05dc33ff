package metrics

import (
	"context"
	"time"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

// allStatuses keeps stale gauge series at zero once a status empties out.
var allStatuses = []types.DeploymentStatus{
	types.DeploymentStatusPending,
	types.DeploymentStatusBuilding,
	types.DeploymentStatusPushing,
	types.DeploymentStatusPushed,
	types.DeploymentStatusDeploying,
	types.DeploymentStatusHealthy,
	types.DeploymentStatusUnhealthy,
	types.DeploymentStatusCancelling,
	types.DeploymentStatusCancelled,
	types.DeploymentStatusTerminating,
	types.DeploymentStatusSuperseded,
	types.DeploymentStatusStopped,
	types.DeploymentStatusFailed,
	types.DeploymentStatusExpired,
}

// Collector periodically refreshes the deployment gauge from the store.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("failed to count deployments")
		return
	}
	for _, status := range allStatuses {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
