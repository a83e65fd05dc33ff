package kubernetes

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/store"
)

// runNamespaceGC periodically removes managed namespaces that hold no
// Deployment objects and whose project has nothing in flight.
func (b *Backend) runNamespaceGC() {
	ticker := time.NewTicker(b.cfg.NamespaceGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.collectNamespaces()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) collectNamespaces() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := log.WithComponent("namespace-gc")

	namespaces, err := b.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: labelManagedBy + "=" + managedByValue,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to list namespaces")
		return
	}

	for i := range namespaces.Items {
		ns := &namespaces.Items[i]
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		collectable, err := b.namespaceCollectable(ctx, ns)
		if err != nil {
			logger.Error().Err(err).Str("namespace", ns.Name).Msg("failed to evaluate namespace")
			continue
		}
		if !collectable {
			continue
		}
		err = b.client.CoreV1().Namespaces().Delete(ctx, ns.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			logger.Error().Err(err).Str("namespace", ns.Name).Msg("failed to delete namespace")
			continue
		}
		logger.Info().Str("namespace", ns.Name).Msg("removed empty project namespace")
	}
}

// namespaceCollectable is true when the namespace holds no Deployments and
// the owning project has no non-terminal deployment that might recreate
// them mid-reconcile. An orphaned namespace (project row gone) is always
// collectable once empty.
func (b *Backend) namespaceCollectable(ctx context.Context, ns *corev1.Namespace) (bool, error) {
	deps, err := b.client.AppsV1().Deployments(ns.Name).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, err
	}
	if len(deps.Items) > 0 {
		return false, nil
	}

	projectName := ns.Labels[labelProject]
	if projectName == "" {
		return false, nil
	}
	p, err := b.store.GetProjectByName(ctx, projectName)
	if errors.Is(err, store.ErrProjectNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	rows, err := b.store.ListDeployments(ctx, p.ID, "")
	if err != nil {
		return false, err
	}
	for _, d := range rows {
		if !state.IsTerminal(d.Status) {
			return false, nil
		}
	}
	return true, nil
}
