package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/risehq/rise/pkg/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    types.DeploymentStatus
		to      types.DeploymentStatus
		allowed bool
	}{
		{"forward build path", types.DeploymentStatusPending, types.DeploymentStatusBuilding, true},
		{"building to pushing", types.DeploymentStatusBuilding, types.DeploymentStatusPushing, true},
		{"pushing to pushed", types.DeploymentStatusPushing, types.DeploymentStatusPushed, true},
		{"pushed to deploying", types.DeploymentStatusPushed, types.DeploymentStatusDeploying, true},
		{"deploying to healthy", types.DeploymentStatusDeploying, types.DeploymentStatusHealthy, true},
		{"prebuilt skips build", types.DeploymentStatusPending, types.DeploymentStatusPushed, true},
		{"health oscillation down", types.DeploymentStatusHealthy, types.DeploymentStatusUnhealthy, true},
		{"health oscillation up", types.DeploymentStatusUnhealthy, types.DeploymentStatusHealthy, true},
		{"cancel pre-push", types.DeploymentStatusBuilding, types.DeploymentStatusCancelling, true},
		{"cancelling completes", types.DeploymentStatusCancelling, types.DeploymentStatusCancelled, true},
		{"terminate healthy", types.DeploymentStatusHealthy, types.DeploymentStatusTerminating, true},
		{"terminate unhealthy", types.DeploymentStatusUnhealthy, types.DeploymentStatusTerminating, true},
		{"terminate failed for cleanup", types.DeploymentStatusFailed, types.DeploymentStatusTerminating, true},
		{"terminating to superseded", types.DeploymentStatusTerminating, types.DeploymentStatusSuperseded, true},
		{"terminating to stopped", types.DeploymentStatusTerminating, types.DeploymentStatusStopped, true},
		{"terminating to expired", types.DeploymentStatusTerminating, types.DeploymentStatusExpired, true},
		{"retry failed deployment", types.DeploymentStatusFailed, types.DeploymentStatusPending, true},
		{"idempotent write", types.DeploymentStatusHealthy, types.DeploymentStatusHealthy, true},
		{"build timeout pending", types.DeploymentStatusPending, types.DeploymentStatusFailed, true},
		{"build timeout building", types.DeploymentStatusBuilding, types.DeploymentStatusFailed, true},
		{"deploy timeout goes via terminating", types.DeploymentStatusDeploying, types.DeploymentStatusTerminating, true},

		{"no backward edge", types.DeploymentStatusHealthy, types.DeploymentStatusDeploying, false},
		{"no skip to healthy", types.DeploymentStatusPending, types.DeploymentStatusHealthy, false},
		{"cancel post-deploy forbidden", types.DeploymentStatusDeploying, types.DeploymentStatusCancelling, false},
		{"cancel healthy forbidden", types.DeploymentStatusHealthy, types.DeploymentStatusCancelling, false},
		{"terminal stays terminal", types.DeploymentStatusSuperseded, types.DeploymentStatusHealthy, false},
		{"stopped stays stopped", types.DeploymentStatusStopped, types.DeploymentStatusPending, false},
		{"expired stays expired", types.DeploymentStatusExpired, types.DeploymentStatusDeploying, false},
		{"cancelled stays cancelled", types.DeploymentStatusCancelled, types.DeploymentStatusPending, false},
		{"healthy never fails directly", types.DeploymentStatusHealthy, types.DeploymentStatusFailed, false},
		{"unhealthy never fails directly", types.DeploymentStatusUnhealthy, types.DeploymentStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

// Terminal states must have no outgoing edges at all; once terminal, a
// deployment never becomes non-terminal again.
func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []types.DeploymentStatus{
		types.DeploymentStatusPending, types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing, types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying, types.DeploymentStatusHealthy,
		types.DeploymentStatusUnhealthy, types.DeploymentStatusCancelling,
		types.DeploymentStatusTerminating, types.DeploymentStatusCancelled,
		types.DeploymentStatusStopped, types.DeploymentStatusSuperseded,
		types.DeploymentStatusFailed, types.DeploymentStatusExpired,
	}

	for _, from := range all {
		if !IsTerminal(from) || from == types.DeploymentStatusFailed {
			continue
		}
		for _, to := range all {
			if from == to {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}

	// Failed is terminal but keeps two explicit recovery edges.
	assert.True(t, CanTransition(types.DeploymentStatusFailed, types.DeploymentStatusPending))
	assert.True(t, CanTransition(types.DeploymentStatusFailed, types.DeploymentStatusTerminating))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsActive(types.DeploymentStatusHealthy))
	assert.True(t, IsActive(types.DeploymentStatusUnhealthy))
	assert.False(t, IsActive(types.DeploymentStatusDeploying))

	assert.True(t, IsInProgress(types.DeploymentStatusPending))
	assert.True(t, IsInProgress(types.DeploymentStatusTerminating))
	assert.False(t, IsInProgress(types.DeploymentStatusHealthy))
	assert.False(t, IsInProgress(types.DeploymentStatusFailed))

	assert.True(t, IsTerminal(types.DeploymentStatusSuperseded))
	assert.False(t, IsTerminal(types.DeploymentStatusTerminating))
}

func TestTerminalFor(t *testing.T) {
	tests := []struct {
		reason types.TerminationReason
		want   types.DeploymentStatus
	}{
		{types.TerminationReasonSuperseded, types.DeploymentStatusSuperseded},
		{types.TerminationReasonUserStopped, types.DeploymentStatusStopped},
		{types.TerminationReasonFailed, types.DeploymentStatusFailed},
		{types.TerminationReasonExpired, types.DeploymentStatusExpired},
		{types.TerminationReasonCancelled, types.DeploymentStatusCancelled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TerminalFor(tt.reason), string(tt.reason))
	}
}
