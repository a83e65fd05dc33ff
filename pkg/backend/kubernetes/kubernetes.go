package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

// fieldManager identifies this controller in server-side apply.
const fieldManager = "rise-controller"

// pullSecretName is the per-namespace registry pull secret.
const pullSecretName = "rise-registry"

// Config tunes the Kubernetes backend.
type Config struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`
	// Registry is the host the build pipeline pushes images to.
	Registry string `yaml:"registry"`
	// IngressClass selects the ingress controller. Empty uses the cluster
	// default.
	IngressClass string `yaml:"ingress_class"`
	// NamespaceAnnotations are stamped onto every project namespace.
	NamespaceAnnotations map[string]string `yaml:"namespace_annotations"`
	// SecretRefreshInterval is how often registry credentials are re-fetched
	// and mirrored into pull secrets.
	SecretRefreshInterval time.Duration `yaml:"secret_refresh_interval"`
	// NamespaceGCInterval is how often empty project namespaces are removed.
	NamespaceGCInterval time.Duration `yaml:"namespace_gc_interval"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SecretRefreshInterval <= 0 {
		out.SecretRefreshInterval = 5 * time.Minute
	}
	if out.NamespaceGCInterval <= 0 {
		out.NamespaceGCInterval = 5 * time.Minute
	}
	return out
}

// CredentialSource supplies registry credentials for a project. Credentials
// may expire; callers re-fetch on the refresh interval.
type CredentialSource interface {
	Credentials(ctx context.Context, project *types.Project) (*types.RegistryCredentials, error)
}

// StaticCredentials is a CredentialSource that hands every project the same
// registry account.
type StaticCredentials types.RegistryCredentials

func (s StaticCredentials) Credentials(ctx context.Context, project *types.Project) (*types.RegistryCredentials, error) {
	creds := types.RegistryCredentials(s)
	return &creds, nil
}

// Backend runs deployments as Kubernetes objects in per-project namespaces.
// All object writes go through server-side apply, so repeated reconciles of
// the same deployment are no-ops.
type Backend struct {
	client    kubernetes.Interface
	cfg       Config
	store     store.Store
	urls      *urls.Calculator
	creds     CredentialSource
	credCache *cache.Cache
	clock     clock.Clock
	stopCh    chan struct{}
}

// New connects to the cluster and builds the backend.
func New(cfg Config, st store.Store, calc *urls.Calculator, creds CredentialSource) (*Backend, error) {
	restCfg, err := buildRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewWithClient(cfg, client, st, calc, creds), nil
}

// NewWithClient builds the backend around an existing clientset. Tests pass
// the fake clientset here.
func NewWithClient(cfg Config, client kubernetes.Interface, st store.Store, calc *urls.Calculator, creds CredentialSource) *Backend {
	c := cfg.withDefaults()
	return &Backend{
		client:    client,
		cfg:       c,
		store:     st,
		urls:      calc,
		creds:     creds,
		credCache: cache.New(c.SecretRefreshInterval, 2*c.SecretRefreshInterval),
		clock:     clock.RealClock{},
		stopCh:    make(chan struct{}),
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return cfg, nil
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	return cfg, nil
}

// Start launches the namespace GC and secret refresh loops.
func (b *Backend) Start(ctx context.Context) error {
	go b.runNamespaceGC()
	go b.runSecretRefresh()
	log.WithComponent("kubernetes").Info().
		Dur("secret_refresh", b.cfg.SecretRefreshInterval).
		Dur("namespace_gc", b.cfg.NamespaceGCInterval).
		Msg("kubernetes backend started")
	return nil
}

// Stop winds the background loops down.
func (b *Backend) Stop() {
	close(b.stopCh)
}

// DeploymentURLs computes the URLs for a deployment.
func (b *Backend) DeploymentURLs(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.URLs, error) {
	return b.ProjectURLs(ctx, p, d.DeploymentGroup)
}

// ProjectURLs computes the URLs a deployment in the group would get.
func (b *Backend) ProjectURLs(ctx context.Context, p *types.Project, group string) (*backend.URLs, error) {
	domains, err := b.store.ListCustomDomains(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return b.urls.Resolve(p, group, domains), nil
}

// Cancel cleans up build artifacts. Builds run outside the cluster, so
// there is nothing to remove here.
func (b *Backend) Cancel(ctx context.Context, d *types.Deployment) error {
	log.WithDeployment(d.DeploymentID).Debug().Msg("cancel: no cluster artifacts to remove")
	return nil
}

var _ backend.Backend = (*Backend)(nil)
