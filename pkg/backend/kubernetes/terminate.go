package kubernetes

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

// Terminate removes the deployment's Deployment and Service and, when this
// deployment owns the namespace ingress, hands the ingress to the group's
// active deployment. The namespace itself is left to the GC loop. Safe to
// retry: missing objects are fine.
func (b *Backend) Terminate(ctx context.Context, d *types.Deployment) error {
	p, err := b.store.GetProject(ctx, d.ProjectID)
	if errors.Is(err, store.ErrProjectNotFound) {
		// Project row already gone; the namespace GC sweeps up orphans.
		return nil
	}
	if err != nil {
		return err
	}
	ns := namespaceFor(p)

	logger := log.WithDeployment(d.DeploymentID)

	err = retry.Do(
		func() error {
			if err := b.client.AppsV1().Deployments(ns).
				Delete(ctx, d.DeploymentID, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
			if err := b.client.CoreV1().Services(ns).
				Delete(ctx, d.DeploymentID, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
			return b.releaseOwnedIngress(ctx, p, d)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return err
	}
	logger.Info().Str("namespace", ns).Msg("deployment infrastructure removed")
	return nil
}

// releaseOwnedIngress hands the namespace ingress over when the terminating
// deployment still owns it: re-applied for the group's surviving active
// deployment, deleted only when no active deployment remains. An ingress
// owned by another deployment is left untouched.
func (b *Backend) releaseOwnedIngress(ctx context.Context, p *types.Project, d *types.Deployment) error {
	ns := namespaceFor(p)
	ing, err := b.client.NetworkingV1().Ingresses(ns).Get(ctx, ingressName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ing.Labels[labelDeployment] != d.DeploymentID {
		return nil
	}

	active, err := b.store.FindActiveFor(ctx, d.ProjectID, d.DeploymentGroup)
	if err != nil {
		return err
	}
	if active != nil && active.ID != d.ID {
		u, err := b.ProjectURLs(ctx, p, active.DeploymentGroup)
		if err != nil {
			return err
		}
		_, err = b.client.NetworkingV1().Ingresses(ns).
			Apply(ctx, b.buildIngress(p, active, urls.Hosts(u)), applyOpts)
		return err
	}

	err = b.client.NetworkingV1().Ingresses(ns).Delete(ctx, ingressName, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
