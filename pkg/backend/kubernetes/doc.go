// Package kubernetes implements the deployment backend on a Kubernetes
// cluster. Each project gets a namespace; each deployment becomes a
// Deployment plus Service, with a shared per-namespace Ingress that always
// routes to the active deployment of the default group. All writes use
// server-side apply under a single field manager, which is what makes
// Reconcile idempotent. The backend also owns two background loops: a
// namespace GC that removes empty project namespaces and a secret refresh
// that keeps registry pull secrets current.
package kubernetes
