package kubernetes

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	applyappsv1 "k8s.io/client-go/applyconfigurations/apps/v1"
	applycorev1 "k8s.io/client-go/applyconfigurations/core/v1"
	applymetav1 "k8s.io/client-go/applyconfigurations/meta/v1"
	applynetworkingv1 "k8s.io/client-go/applyconfigurations/networking/v1"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

const (
	labelManagedBy  = "app.kubernetes.io/managed-by"
	labelProject    = "rise.sh/project"
	labelDeployment = "rise.sh/deployment"
	labelGroup      = "rise.sh/group"
	managedByValue  = "rise"

	// ingressName is the single per-namespace ingress. A deployment applies
	// it only once its pod is ready, and terminate hands it to the surviving
	// active deployment, so it always routes to a deployment that can serve.
	ingressName = "rise"
)

func namespaceFor(p *types.Project) string {
	return "project-" + p.Name
}

func deploymentLabels(p *types.Project, d *types.Deployment) map[string]string {
	return map[string]string{
		labelManagedBy:  managedByValue,
		labelProject:    p.Name,
		labelDeployment: d.DeploymentID,
		labelGroup:      urls.SanitizeGroup(d.DeploymentGroup),
	}
}

func podSelector(d *types.Deployment) string {
	return labelDeployment + "=" + d.DeploymentID
}

func (b *Backend) buildNamespace(p *types.Project) *applycorev1.NamespaceApplyConfiguration {
	ns := applycorev1.Namespace(namespaceFor(p)).
		WithLabels(map[string]string{
			labelManagedBy: managedByValue,
			labelProject:   p.Name,
		})
	if len(b.cfg.NamespaceAnnotations) > 0 {
		ns = ns.WithAnnotations(b.cfg.NamespaceAnnotations)
	}
	return ns
}

func (b *Backend) buildDeployment(p *types.Project, d *types.Deployment, u *backend.URLs) *applyappsv1.DeploymentApplyConfiguration {
	labels := deploymentLabels(p, d)

	container := applycorev1.Container().
		WithName("app").
		WithImage(d.ImageTag(b.cfg.Registry, p.Name)).
		WithPorts(applycorev1.ContainerPort().
			WithName("http").
			WithContainerPort(int32(d.HTTPPort)).
			WithProtocol(corev1.ProtocolTCP)).
		WithEnv(buildEnv(d, u)...)

	return applyappsv1.Deployment(d.DeploymentID, namespaceFor(p)).
		WithLabels(labels).
		WithSpec(applyappsv1.DeploymentSpec().
			WithReplicas(1).
			WithSelector(applymetav1.LabelSelector().
				WithMatchLabels(map[string]string{labelDeployment: d.DeploymentID})).
			WithTemplate(applycorev1.PodTemplateSpec().
				WithLabels(labels).
				WithSpec(applycorev1.PodSpec().
					WithContainers(container).
					WithImagePullSecrets(applycorev1.LocalObjectReference().
						WithName(pullSecretName)))))
}

// buildEnv merges the deployment's immutable snapshot with the injected
// runtime variables. Injected values win over snapshot keys of the same
// name.
func buildEnv(d *types.Deployment, u *backend.URLs) []*applycorev1.EnvVarApplyConfiguration {
	injected := map[string]string{
		"PORT":               strconv.Itoa(d.HTTPPort),
		"RISE_DEPLOYMENT_ID": d.DeploymentID,
		"RISE_APP_URL":       u.PrimaryURL,
		"RISE_APP_URLS":      strings.Join(allURLs(u), ","),
	}

	var out []*applycorev1.EnvVarApplyConfiguration
	for _, v := range d.EnvVars {
		if _, shadowed := injected[v.Key]; shadowed {
			continue
		}
		out = append(out, applycorev1.EnvVar().WithName(v.Key).WithValue(v.Value))
	}
	for _, key := range []string{"PORT", "RISE_DEPLOYMENT_ID", "RISE_APP_URL", "RISE_APP_URLS"} {
		out = append(out, applycorev1.EnvVar().WithName(key).WithValue(injected[key]))
	}
	return out
}

func allURLs(u *backend.URLs) []string {
	out := []string{u.PrimaryURL}
	if u.DefaultURL != u.PrimaryURL {
		out = append(out, u.DefaultURL)
	}
	for _, cd := range u.CustomDomainURLs {
		if cd != u.PrimaryURL {
			out = append(out, cd)
		}
	}
	return out
}

func (b *Backend) buildService(p *types.Project, d *types.Deployment) *applycorev1.ServiceApplyConfiguration {
	return applycorev1.Service(d.DeploymentID, namespaceFor(p)).
		WithLabels(deploymentLabels(p, d)).
		WithSpec(applycorev1.ServiceSpec().
			WithSelector(map[string]string{labelDeployment: d.DeploymentID}).
			WithPorts(applycorev1.ServicePort().
				WithName("http").
				WithPort(80).
				WithTargetPort(intstr.FromInt32(int32(d.HTTPPort))).
				WithProtocol(corev1.ProtocolTCP)))
}

func (b *Backend) buildIngress(p *types.Project, d *types.Deployment, hosts []string) *applynetworkingv1.IngressApplyConfiguration {
	pathType := networkingv1.PathTypePrefix

	var rules []*applynetworkingv1.IngressRuleApplyConfiguration
	for _, host := range hosts {
		rules = append(rules, applynetworkingv1.IngressRule().
			WithHost(host).
			WithHTTP(applynetworkingv1.HTTPIngressRuleValue().
				WithPaths(applynetworkingv1.HTTPIngressPath().
					WithPath("/").
					WithPathType(pathType).
					WithBackend(applynetworkingv1.IngressBackend().
						WithService(applynetworkingv1.IngressServiceBackend().
							WithName(d.DeploymentID).
							WithPort(applynetworkingv1.ServiceBackendPort().
								WithNumber(80)))))))
	}

	ing := applynetworkingv1.Ingress(ingressName, namespaceFor(p)).
		WithLabels(deploymentLabels(p, d)).
		WithSpec(applynetworkingv1.IngressSpec().WithRules(rules...))
	if b.cfg.IngressClass != "" {
		ing.Spec = ing.Spec.WithIngressClassName(b.cfg.IngressClass)
	}
	return ing
}

func (b *Backend) buildPullSecret(p *types.Project, creds *types.RegistryCredentials) (*applycorev1.SecretApplyConfiguration, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	cfg := map[string]interface{}{
		"auths": map[string]interface{}{
			creds.RegistryURL: map[string]string{
				"username": creds.Username,
				"password": creds.Password,
				"auth":     auth,
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return applycorev1.Secret(pullSecretName, namespaceFor(p)).
		WithLabels(map[string]string{labelManagedBy: managedByValue}).
		WithType(corev1.SecretTypeDockerConfigJson).
		WithData(map[string][]byte{corev1.DockerConfigJsonKey: data}), nil
}
