package kubernetes

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/types"
)

// HealthCheck reports the pod Ready condition for the deployment's pod,
// folding in restart counts and fatal container states.
func (b *Backend) HealthCheck(ctx context.Context, d *types.Deployment) (*backend.HealthResult, error) {
	p, err := b.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return nil, err
	}

	result := &backend.HealthResult{LastCheck: b.clock.Now()}

	pods, err := b.client.CoreV1().Pods(namespaceFor(p)).List(ctx, metav1.ListOptions{
		LabelSelector: podSelector(d),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		result.Message = "no pods found"
		result.PodStatus = "NoPods"
		return result, nil
	}

	restarts := int32(0)
	for i := range pods.Items {
		pod := &pods.Items[i]
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += cs.RestartCount
			if cs.State.Waiting != nil && fatalWaitingReasons[cs.State.Waiting.Reason] {
				result.PodStatus = cs.State.Waiting.Reason
				result.Message = fmt.Sprintf("%s (restarts: %d)", cs.State.Waiting.Reason, restarts)
				return result, nil
			}
		}
		if podReady(pod) {
			result.Healthy = true
			result.PodStatus = string(pod.Status.Phase)
			if restarts > 0 {
				result.Message = fmt.Sprintf("ready, %d restarts", restarts)
			}
			return result, nil
		}
		result.PodStatus = string(pod.Status.Phase)
	}

	result.Message = fmt.Sprintf("pod not ready (restarts: %d)", restarts)
	return result, nil
}
