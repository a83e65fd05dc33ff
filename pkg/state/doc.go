// Package state is the deployment lifecycle state machine: the transition
// table plus the IsTerminal/IsActive/IsInProgress predicates every other
// component keys off.
package state
