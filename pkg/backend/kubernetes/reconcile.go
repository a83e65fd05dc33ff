package kubernetes

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

var applyOpts = metav1.ApplyOptions{FieldManager: fieldManager, Force: true}

// phaseRank orders the reconcile phases so a resumed reconcile skips the
// work it already checkpointed.
var phaseRank = map[types.ReconcilePhase]int{
	types.ReconcilePhaseNotStarted:         0,
	types.ReconcilePhaseCreatingNamespace:  1,
	types.ReconcilePhaseApplyingDeployment: 2,
	types.ReconcilePhaseApplyingService:    3,
	types.ReconcilePhaseApplyingIngress:    4,
	types.ReconcilePhaseWaitingForReady:    5,
	types.ReconcilePhaseCompleted:          6,
}

// Reconcile drives the deployment's Kubernetes objects toward the desired
// set, one phase at a time. Every apply is server-side apply, so re-running
// a completed phase after a crash is a no-op. A returned error is
// transient: the controller keeps the checkpointed metadata and retries
// next tick. A populated ErrorMessage is permanent and fails the
// deployment.
func (b *Backend) Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.ReconcileResult, error) {
	md := &types.ControllerMetadata{}
	if d.ControllerMetadata != nil {
		cp := *d.ControllerMetadata
		md = &cp
	}
	result := &backend.ReconcileResult{Status: types.DeploymentStatusDeploying, Metadata: md}

	// A flagged deployment re-applies the full object set so env, URL and
	// domain changes reach the cluster. Server-side apply makes the repeat
	// harmless.
	if d.NeedsReconcile {
		md.Phase = types.ReconcilePhaseNotStarted
	}

	u, err := b.DeploymentURLs(ctx, d, p)
	if err != nil {
		return result, err
	}

	logger := log.WithDeployment(d.DeploymentID)

	if phaseRank[md.Phase] <= phaseRank[types.ReconcilePhaseCreatingNamespace] {
		md.Phase = types.ReconcilePhaseCreatingNamespace
		if err := b.applyNamespace(ctx, p); err != nil {
			return result, fmt.Errorf("failed to apply namespace: %w", err)
		}
		if err := b.applyPullSecret(ctx, p); err != nil {
			return result, fmt.Errorf("failed to apply pull secret: %w", err)
		}
		md.Phase = types.ReconcilePhaseApplyingDeployment
	}

	if phaseRank[md.Phase] <= phaseRank[types.ReconcilePhaseApplyingDeployment] {
		md.Phase = types.ReconcilePhaseApplyingDeployment
		if _, err := b.client.AppsV1().Deployments(namespaceFor(p)).
			Apply(ctx, b.buildDeployment(p, d, u), applyOpts); err != nil {
			return result, fmt.Errorf("failed to apply deployment: %w", err)
		}
		md.Phase = types.ReconcilePhaseApplyingService
	}

	if phaseRank[md.Phase] <= phaseRank[types.ReconcilePhaseApplyingService] {
		md.Phase = types.ReconcilePhaseApplyingService
		if _, err := b.client.CoreV1().Services(namespaceFor(p)).
			Apply(ctx, b.buildService(p, d), applyOpts); err != nil {
			return result, fmt.Errorf("failed to apply service: %w", err)
		}
		md.Phase = types.ReconcilePhaseWaitingForReady
	}

	ready, failureMsg, podStatus, err := b.podReadiness(ctx, p, d)
	if err != nil {
		return result, err
	}
	md.PodStatus = podStatus
	switch {
	case failureMsg != "":
		result.ErrorMessage = failureMsg
	case ready:
		// The ingress is pointed at this deployment only once it can serve.
		// Until then traffic keeps flowing to the group's current active
		// deployment. Only the default group is routable from outside;
		// other groups are reached through their service.
		if d.DeploymentGroup == types.DefaultDeploymentGroup {
			md.Phase = types.ReconcilePhaseApplyingIngress
			ing := b.buildIngress(p, d, urls.Hosts(u))
			if _, err := b.client.NetworkingV1().Ingresses(namespaceFor(p)).
				Apply(ctx, ing, applyOpts); err != nil {
				return result, fmt.Errorf("failed to apply ingress: %w", err)
			}
		}
		md.Phase = types.ReconcilePhaseCompleted
		result.Status = types.DeploymentStatusHealthy
		logger.Info().Msg("deployment ready")
	default:
		logger.Debug().Str("pod_status", podStatus).Msg("waiting for pod readiness")
	}
	return result, nil
}

func (b *Backend) applyNamespace(ctx context.Context, p *types.Project) error {
	_, err := b.client.CoreV1().Namespaces().Apply(ctx, b.buildNamespace(p), applyOpts)
	return err
}

func (b *Backend) applyPullSecret(ctx context.Context, p *types.Project) error {
	creds, err := b.cachedCredentials(ctx, p)
	if err != nil {
		return err
	}
	if creds == nil {
		return nil
	}
	secret, err := b.buildPullSecret(p, creds)
	if err != nil {
		return err
	}
	_, err = b.client.CoreV1().Secrets(namespaceFor(p)).Apply(ctx, secret, applyOpts)
	return err
}

// fatalWaitingReasons are container states that will not resolve on their
// own; the deployment is marked Failed rather than left Deploying until the
// timeout.
var fatalWaitingReasons = map[string]bool{
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"CrashLoopBackOff":           true,
	"CreateContainerConfigError": true,
}

// podReadiness inspects the deployment's pods. It returns whether a pod is
// Ready, an error message for unrecoverable pod states, and a display
// string for the current pod status.
func (b *Backend) podReadiness(ctx context.Context, p *types.Project, d *types.Deployment) (bool, string, string, error) {
	pods, err := b.client.CoreV1().Pods(namespaceFor(p)).List(ctx, metav1.ListOptions{
		LabelSelector: podSelector(d),
	})
	if err != nil {
		return false, "", "", fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return false, "", "NoPods", nil
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && fatalWaitingReasons[cs.State.Waiting.Reason] {
				msg := cs.State.Waiting.Reason
				if cs.State.Waiting.Message != "" {
					msg += ": " + cs.State.Waiting.Message
				}
				return false, msg, string(pod.Status.Phase), nil
			}
		}
		if podReady(pod) {
			return true, "", string(pod.Status.Phase), nil
		}
	}
	return false, "", string(pods.Items[0].Status.Phase), nil
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
