package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/store"
)

// Config holds the loop intervals and timeouts. Zero values take the
// defaults below.
type Config struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	TerminateInterval time.Duration `yaml:"terminate_interval"`
	CancelInterval    time.Duration `yaml:"cancel_interval"`
	ExpireInterval    time.Duration `yaml:"expire_interval"`

	// DeployTimeout bounds how long a deployment may sit in Deploying
	// before it is terminated as failed.
	DeployTimeout time.Duration `yaml:"deploy_timeout"`
	// BuildTimeout bounds how long a deployment may sit in a pre-Pushed
	// state without progress before it is failed.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// CallTimeout bounds a single backend reconcile or terminate call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// BatchLimit caps how many deployments one tick processes per finder.
	BatchLimit int `yaml:"batch_limit"`
}

func (c *Config) withDefaults() Config {
	out := *c
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&out.ReconcileInterval, 15*time.Second)
	def(&out.HealthInterval, 5*time.Second)
	def(&out.TerminateInterval, 10*time.Second)
	def(&out.CancelInterval, 10*time.Second)
	def(&out.ExpireInterval, 60*time.Second)
	def(&out.DeployTimeout, 5*time.Minute)
	def(&out.BuildTimeout, 10*time.Minute)
	def(&out.CallTimeout, 2*time.Minute)
	if out.BatchLimit <= 0 {
		out.BatchLimit = 50
	}
	return out
}

// Controller drives deployments through their lifecycle with independent
// loops over the shared store and backend. Loops never talk to each other;
// the database orders concurrent writes, and an IllegalTransition from the
// store just means another loop got there first.
type Controller struct {
	cfg     Config
	store   store.Store
	backend backend.Backend
	broker  *events.Broker
	clock   clock.Clock
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a controller. The broker may be nil when nothing consumes
// events.
func New(cfg Config, st store.Store, be backend.Backend, broker *events.Broker) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		store:   st,
		backend: be,
		broker:  broker,
		clock:   clock.RealClock{},
		stopCh:  make(chan struct{}),
	}
}

// Start launches all loops.
func (c *Controller) Start() {
	c.runLoop("reconcile", c.cfg.ReconcileInterval, c.reconcileTick)
	c.runLoop("health", c.cfg.HealthInterval, c.healthTick)
	c.runLoop("terminate", c.cfg.TerminateInterval, c.terminateTick)
	c.runLoop("cancel", c.cfg.CancelInterval, c.cancelTick)
	c.runLoop("expire", c.cfg.ExpireInterval, c.expireTick)
	log.WithComponent("controller").Info().
		Dur("reconcile", c.cfg.ReconcileInterval).
		Dur("health", c.cfg.HealthInterval).
		Msg("controller loops started")
}

// Stop signals all loops and waits for in-flight ticks to finish.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) runLoop(name string, interval time.Duration, tick func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.runTick(name, tick)
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Controller) runTick(name string, tick func(ctx context.Context)) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.LoopDuration, name)
		metrics.LoopCycles.WithLabelValues(name).Inc()
	}()

	tick(context.Background())
}

// callCtx bounds a single backend call with CallTimeout. One slow call must
// not eat the budget of the rest of the batch.
func (c *Controller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// notify re-reads the deployment and publishes its current status. Events
// are best effort; a failed read just drops the event.
func (c *Controller) notify(ctx context.Context, id uuid.UUID, msg string) {
	if c.broker == nil {
		return
	}
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return
	}
	c.broker.PublishStatus(d, msg)
}
