// Package events provides the in-process broker behind the deployment
// follow stream. Controllers publish status changes; the API server
// subscribes per request with a project or deployment filter. Delivery is
// best effort: a slow consumer misses events rather than stalling a
// reconciliation loop.
package events
