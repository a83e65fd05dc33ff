package state

import (
	"github.com/risehq/rise/pkg/types"
)

// transitions enumerates every legal status edge. Anything absent here is
// rejected by the store with an IllegalTransitionError.
//
// Forward:      Pending → Building → Pushing → Pushed → Deploying → Healthy
// Health:       Healthy ↔ Unhealthy
// Cancellation: {Pending..Pushed} → Cancelling → Cancelled
// Termination:  {Deploying, Healthy, Unhealthy, Failed} → Terminating → terminal
// Retry:        Failed → Pending (backend-requested, pre-infrastructure only)
var transitions = map[types.DeploymentStatus][]types.DeploymentStatus{
	types.DeploymentStatusPending: {
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
		types.DeploymentStatusPushed,
		types.DeploymentStatusCancelling,
		types.DeploymentStatusFailed,
	},
	types.DeploymentStatusBuilding: {
		types.DeploymentStatusPushing,
		types.DeploymentStatusCancelling,
		types.DeploymentStatusFailed,
	},
	types.DeploymentStatusPushing: {
		types.DeploymentStatusPushed,
		types.DeploymentStatusCancelling,
		types.DeploymentStatusFailed,
	},
	types.DeploymentStatusPushed: {
		types.DeploymentStatusDeploying,
		types.DeploymentStatusCancelling,
		types.DeploymentStatusFailed,
	},
	types.DeploymentStatusDeploying: {
		types.DeploymentStatusHealthy,
		types.DeploymentStatusTerminating,
		types.DeploymentStatusFailed,
	},
	types.DeploymentStatusHealthy: {
		types.DeploymentStatusUnhealthy,
		types.DeploymentStatusTerminating,
	},
	types.DeploymentStatusUnhealthy: {
		types.DeploymentStatusHealthy,
		types.DeploymentStatusTerminating,
	},
	types.DeploymentStatusCancelling: {
		types.DeploymentStatusCancelled,
	},
	types.DeploymentStatusTerminating: {
		types.DeploymentStatusSuperseded,
		types.DeploymentStatusStopped,
		types.DeploymentStatusFailed,
		types.DeploymentStatusExpired,
		types.DeploymentStatusCancelled,
	},
	types.DeploymentStatusFailed: {
		// Retry before any infrastructure exists, and cleanup of infra
		// created before the failure.
		types.DeploymentStatusPending,
		types.DeploymentStatusTerminating,
	},
}

// CanTransition reports whether from → to is a legal status edge.
// Self-transitions are allowed so idempotent writes stay cheap for callers.
func CanTransition(from, to types.DeploymentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final state. Terminal deployments never
// return to a non-terminal status.
func IsTerminal(s types.DeploymentStatus) bool {
	switch s {
	case types.DeploymentStatusCancelled,
		types.DeploymentStatusStopped,
		types.DeploymentStatusSuperseded,
		types.DeploymentStatusFailed,
		types.DeploymentStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether a deployment in s has live serving infrastructure.
func IsActive(s types.DeploymentStatus) bool {
	return s == types.DeploymentStatusHealthy || s == types.DeploymentStatusUnhealthy
}

// IsInProgress reports whether s is a transitional state some loop is
// responsible for advancing.
func IsInProgress(s types.DeploymentStatus) bool {
	switch s {
	case types.DeploymentStatusPending,
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
		types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying,
		types.DeploymentStatusCancelling,
		types.DeploymentStatusTerminating:
		return true
	}
	return false
}

// TerminalFor maps a termination reason to the terminal status the
// terminate loop writes once the backend has torn everything down.
func TerminalFor(reason types.TerminationReason) types.DeploymentStatus {
	switch reason {
	case types.TerminationReasonSuperseded:
		return types.DeploymentStatusSuperseded
	case types.TerminationReasonUserStopped:
		return types.DeploymentStatusStopped
	case types.TerminationReasonExpired:
		return types.DeploymentStatusExpired
	case types.TerminationReasonCancelled:
		return types.DeploymentStatusCancelled
	default:
		return types.DeploymentStatusFailed
	}
}
