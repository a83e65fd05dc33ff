package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise/pkg/types"
)

func newTestProject(t *testing.T, m *Memory) *types.Project {
	t.Helper()
	owner := uuid.New()
	p := &types.Project{
		ID:          uuid.New(),
		Name:        "web-" + uuid.NewString()[:8],
		Visibility:  types.VisibilityPrivate,
		OwnerUserID: &owner,
		Status:      types.ProjectStatusStopped,
	}
	require.NoError(t, m.CreateProject(context.Background(), p))
	return p
}

func newTestDeployment(t *testing.T, m *Memory, p *types.Project, group string, status types.DeploymentStatus) *types.Deployment {
	t.Helper()
	d := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    types.NewDeploymentID(m.NowFunc()),
		ProjectID:       p.ID,
		CreatedByUserID: uuid.New(),
		DeploymentGroup: group,
		Status:          types.DeploymentStatusPending,
		HTTPPort:        8080,
	}
	require.NoError(t, m.CreateDeployment(context.Background(), d))
	for _, next := range pathTo(status) {
		require.NoError(t, m.UpdateStatus(context.Background(), d.ID, next))
	}
	got, err := m.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	return got
}

// pathTo returns the forward transitions needed to reach status from Pending.
func pathTo(status types.DeploymentStatus) []types.DeploymentStatus {
	full := []types.DeploymentStatus{
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
		types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying,
		types.DeploymentStatusHealthy,
	}
	for i, s := range full {
		if s == status {
			return full[:i+1]
		}
	}
	return nil
}

func TestIllegalTransitionIsTyped(t *testing.T) {
	m := NewMemory()
	p := newTestProject(t, m)
	d := newTestDeployment(t, m, p, "default", types.DeploymentStatusHealthy)

	err := m.UpdateStatus(context.Background(), d.ID, types.DeploymentStatusPending)
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))

	var ite *IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, types.DeploymentStatusHealthy, ite.From)
	assert.Equal(t, types.DeploymentStatusPending, ite.To)
}

func TestTerminalClearsActivePointer(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := newTestProject(t, m)
	d := newTestDeployment(t, m, p, "default", types.DeploymentStatusHealthy)
	require.NoError(t, m.MarkAsActive(ctx, d.ID, p.ID, "default"))

	require.NoError(t, m.MarkTerminating(ctx, d.ID, types.TerminationReasonUserStopped))
	require.NoError(t, m.MarkStopped(ctx, d.ID))

	active, err := m.FindActiveFor(ctx, p.ID, "default")
	require.NoError(t, err)
	assert.Nil(t, active)

	got, err := m.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusStopped, got.Status)
	require.NotNil(t, got.TerminationReason)
	assert.Equal(t, types.TerminationReasonUserStopped, *got.TerminationReason)
	assert.NotNil(t, got.CompletedAt)
}

// Project status must be a pure function of deployment statuses, recomputed
// on every mutation.
func TestProjectStatusRecompute(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := newTestProject(t, m)

	d := newTestDeployment(t, m, p, "default", types.DeploymentStatusDeploying)
	got, err := m.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusDeploying, got.Status)

	require.NoError(t, m.MarkHealthy(ctx, d.ID))
	got, err = m.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusRunning, got.Status)

	require.NoError(t, m.MarkTerminating(ctx, d.ID, types.TerminationReasonUserStopped))
	require.NoError(t, m.MarkStopped(ctx, d.ID))
	got, err = m.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusStopped, got.Status)
}

// Env var snapshots are immutable: project edits after deployment creation
// must not leak into the deployment's copy.
func TestEnvVarSnapshotImmutable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := newTestProject(t, m)
	require.NoError(t, m.SetProjectEnvVar(ctx, p.ID, types.EnvVar{Key: "DATABASE_URL", Value: "postgres://one"}))

	d := newTestDeployment(t, m, p, "default", types.DeploymentStatusHealthy)

	require.NoError(t, m.SetProjectEnvVar(ctx, p.ID, types.EnvVar{Key: "DATABASE_URL", Value: "postgres://two"}))
	require.NoError(t, m.SetProjectEnvVar(ctx, p.ID, types.EnvVar{Key: "NEW_KEY", Value: "x"}))

	snapshot, err := m.DeploymentEnvVars(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "postgres://one", snapshot[0].Value)

	// The edit flags the active deployment for re-reconcile instead.
	got, err := m.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReconcile)
}

func TestFindStuckPrePushedBefore(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.NowFunc = func() time.Time { return now }
	ctx := context.Background()
	p := newTestProject(t, m)

	stuck := newTestDeployment(t, m, p, "default", types.DeploymentStatusBuilding)
	m.NowFunc = func() time.Time { return now.Add(11 * time.Minute) }
	fresh := &types.Deployment{
		ID: uuid.New(), DeploymentID: "20260824-121100", ProjectID: p.ID,
		CreatedByUserID: uuid.New(), DeploymentGroup: "default",
		Status: types.DeploymentStatusPending, HTTPPort: 8080,
	}
	require.NoError(t, m.CreateDeployment(ctx, fresh))

	cutoff := now.Add(10 * time.Minute)
	found, err := m.FindStuckPrePushedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stuck.ID, found[0].ID)
}

func TestFindExpiredSkipsTerminalAndInFlight(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.NowFunc = func() time.Time { return now }
	ctx := context.Background()
	p := newTestProject(t, m)

	past := now.Add(-time.Minute)
	expired := newTestDeployment(t, m, p, "default", types.DeploymentStatusHealthy)
	setExpiry(t, m, expired.ID, past)

	terminating := newTestDeployment(t, m, p, "preview/1", types.DeploymentStatusHealthy)
	setExpiry(t, m, terminating.ID, past)
	require.NoError(t, m.MarkTerminating(ctx, terminating.ID, types.TerminationReasonUserStopped))

	found, err := m.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, expired.ID, found[0].ID)
}

func setExpiry(t *testing.T, m *Memory, id uuid.UUID, at time.Time) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	require.True(t, ok)
	d.ExpiresAt = &at
}

func TestComputeProjectStatus(t *testing.T) {
	p := &types.Project{Status: types.ProjectStatusRunning}
	deleting := &types.Project{Status: types.ProjectStatusDeleting}

	tests := []struct {
		name     string
		project  *types.Project
		statuses []types.DeploymentStatus
		want     types.ProjectStatus
	}{
		{"no deployments", p, nil, types.ProjectStatusStopped},
		{"healthy", p, []types.DeploymentStatus{types.DeploymentStatusHealthy}, types.ProjectStatusRunning},
		{"unhealthy still running", p, []types.DeploymentStatus{types.DeploymentStatusUnhealthy}, types.ProjectStatusRunning},
		{"in progress wins", p, []types.DeploymentStatus{types.DeploymentStatusHealthy, types.DeploymentStatusDeploying}, types.ProjectStatusDeploying},
		{"latest failed", p, []types.DeploymentStatus{types.DeploymentStatusFailed, types.DeploymentStatusStopped}, types.ProjectStatusFailed},
		{"old failure masked by stop", p, []types.DeploymentStatus{types.DeploymentStatusStopped, types.DeploymentStatusFailed}, types.ProjectStatusStopped},
		{"deleting sticks", deleting, []types.DeploymentStatus{types.DeploymentStatusHealthy}, types.ProjectStatusDeleting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ds []*types.Deployment
			for i, s := range tt.statuses {
				ds = append(ds, &types.Deployment{
					Status:    s,
					CreatedAt: time.Now().Add(-time.Duration(i) * time.Minute),
				})
			}
			assert.Equal(t, tt.want, ComputeProjectStatus(tt.project, ds))
		})
	}
}
