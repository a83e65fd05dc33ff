package kubernetes

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/types"
)

// StreamLogs opens a log stream from the deployment's pod. With multiple
// pods (mid-rollout) the newest one wins.
func (b *Backend) StreamLogs(ctx context.Context, d *types.Deployment, opts backend.LogOptions) (io.ReadCloser, error) {
	p, err := b.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return nil, err
	}
	ns := namespaceFor(p)

	pods, err := b.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: podSelector(d),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("no pods for deployment %s", d.DeploymentID)
	}

	pod := pods.Items[0]
	for i := range pods.Items {
		if pods.Items[i].CreationTimestamp.After(pod.CreationTimestamp.Time) {
			pod = pods.Items[i]
		}
	}

	logOpts := &corev1.PodLogOptions{
		Container:  "app",
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}
	if opts.TailLines > 0 {
		logOpts.TailLines = &opts.TailLines
	}
	if opts.SinceSeconds > 0 {
		logOpts.SinceSeconds = &opts.SinceSeconds
	}

	return b.client.CoreV1().Pods(ns).GetLogs(pod.Name, logOpts).Stream(ctx)
}
