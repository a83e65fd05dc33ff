package kubernetes

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/types"
)

// cachedCredentials resolves registry credentials through the TTL cache so
// a burst of reconciles does not hammer the credential source.
func (b *Backend) cachedCredentials(ctx context.Context, p *types.Project) (*types.RegistryCredentials, error) {
	if b.creds == nil {
		return nil, nil
	}
	key := p.ID.String()
	if cached, ok := b.credCache.Get(key); ok {
		return cached.(*types.RegistryCredentials), nil
	}
	creds, err := b.creds.Credentials(ctx, p)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, nil
	}

	ttl := cache.DefaultExpiration
	if creds.ExpiresAt != nil {
		// Refresh well before the credentials themselves lapse.
		if remain := time.Until(*creds.ExpiresAt) / 2; remain > 0 && remain < b.cfg.SecretRefreshInterval {
			ttl = remain
		}
	}
	b.credCache.Set(key, creds, ttl)
	return creds, nil
}

// runSecretRefresh periodically re-fetches registry credentials and
// re-applies the pull secret in every managed namespace, keeping rotated
// credentials flowing to the cluster.
func (b *Backend) runSecretRefresh() {
	ticker := time.NewTicker(b.cfg.SecretRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.refreshSecrets()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) refreshSecrets() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := log.WithComponent("secret-refresh")

	namespaces, err := b.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: labelManagedBy + "=" + managedByValue,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to list namespaces")
		return
	}

	for _, ns := range namespaces.Items {
		projectName := ns.Labels[labelProject]
		if projectName == "" {
			continue
		}
		p, err := b.store.GetProjectByName(ctx, projectName)
		if err != nil {
			logger.Warn().Err(err).Str("project", projectName).Msg("skipping namespace with unknown project")
			continue
		}
		// Force a re-fetch; the point of this loop is picking up rotation.
		b.credCache.Delete(p.ID.String())
		if err := b.applyPullSecret(ctx, p); err != nil {
			logger.Error().Err(err).Str("project", projectName).Msg("failed to refresh pull secret")
		}
	}
}
