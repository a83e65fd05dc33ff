// Package local implements the deployment backend against a single host's
// containerd socket, for laptop and single-box installs. Containers run on
// the host network with an allocated port; the deployment to
// container/port mapping lives in a bbolt file so restarts reconcile what
// is already running. Health is a plain HTTP probe against the allocated
// port.
package local
