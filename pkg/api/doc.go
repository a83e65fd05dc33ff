// Package api is the HTTP surface of the control plane: deployment
// creation, status reporting from clients, rollback, stop, log streaming,
// the follow event stream, JWKS publication and ingress token issuance.
// Handlers write to the store and let the controller loops do the rest;
// only log streaming reaches through to the backend.
package api
