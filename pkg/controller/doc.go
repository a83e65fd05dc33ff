// Package controller runs the background loops that drive deployments
// through their lifecycle: reconcile, health, terminate, cancel and
// expire. Loops share nothing but the store and the backend; the store's
// transition checks arbitrate races between them, so an IllegalTransition
// is handled as "someone else already moved this row" rather than an
// error.
package controller
