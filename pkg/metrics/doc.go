// Package metrics exposes Prometheus instrumentation for the control
// plane plus the health and readiness endpoints. The Collector refreshes
// the deployments-by-status gauge from the store on a fixed interval;
// counters and histograms are updated inline by the loops and the API.
package metrics
