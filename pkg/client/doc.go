// Package client is a typed Go client for the Rise HTTP API, used by the
// CLI and by anything else driving deployments programmatically.
package client
