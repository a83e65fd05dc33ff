package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/types"
)

// Memory is an in-memory Store with the same transition semantics as the
// Postgres implementation. It backs unit tests and throwaway single-process
// setups; it is not durable.
type Memory struct {
	mu sync.Mutex

	// NowFunc supplies the clock; swap it in tests.
	NowFunc func() time.Time

	projects       map[uuid.UUID]*types.Project
	projectsByName map[string]uuid.UUID
	deployments    map[uuid.UUID]*types.Deployment
	active         map[string]uuid.UUID // projectID/group -> deployment id
	projectEnv     map[uuid.UUID][]types.EnvVar
	deploymentEnv  map[uuid.UUID][]types.EnvVar
	customDomains  map[uuid.UUID][]types.CustomDomain
	teamMembers    map[uuid.UUID]map[uuid.UUID]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		NowFunc:        time.Now,
		projects:       make(map[uuid.UUID]*types.Project),
		projectsByName: make(map[string]uuid.UUID),
		deployments:    make(map[uuid.UUID]*types.Deployment),
		active:         make(map[string]uuid.UUID),
		projectEnv:     make(map[uuid.UUID][]types.EnvVar),
		deploymentEnv:  make(map[uuid.UUID][]types.EnvVar),
		customDomains:  make(map[uuid.UUID][]types.CustomDomain),
		teamMembers:    make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func activeKey(projectID uuid.UUID, group string) string {
	return projectID.String() + "/" + group
}

func copyDeployment(d *types.Deployment) *types.Deployment {
	cp := *d
	if d.ControllerMetadata != nil {
		md := *d.ControllerMetadata
		cp.ControllerMetadata = &md
	}
	return &cp
}

// Projects

func (m *Memory) CreateProject(ctx context.Context, p *types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projectsByName[p.Name]; exists {
		return ErrConstraintViolation
	}
	now := m.NowFunc()
	cp := *p
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.projects[p.ID] = &cp
	m.projectsByName[p.Name] = p.ID
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.projectsByName[name]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *m.projects[id]
	return &cp, nil
}

func (m *Memory) MarkProjectDeleting(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrProjectNotFound
	}
	p.Status = types.ProjectStatusDeleting
	p.UpdatedAt = m.NowFunc()
	return nil
}

func (m *Memory) RecomputeProjectStatus(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputeLocked(id)
}

func (m *Memory) recomputeLocked(projectID uuid.UUID) error {
	p, ok := m.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	deployments := m.listLocked(func(d *types.Deployment) bool { return d.ProjectID == projectID })
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	p.Status = ComputeProjectStatus(p, deployments)
	return nil
}

// Env vars

func (m *Memory) ProjectEnvVars(ctx context.Context, projectID uuid.UUID) ([]types.EnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.EnvVar(nil), m.projectEnv[projectID]...), nil
}

func (m *Memory) SetProjectEnvVar(ctx context.Context, projectID uuid.UUID, v types.EnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vars := m.projectEnv[projectID]
	replaced := false
	for i := range vars {
		if vars[i].Key == v.Key {
			vars[i] = v
			replaced = true
			break
		}
	}
	if !replaced {
		vars = append(vars, v)
		sort.Slice(vars, func(i, j int) bool { return vars[i].Key < vars[j].Key })
	}
	m.projectEnv[projectID] = vars
	for _, d := range m.deployments {
		if d.ProjectID == projectID && state.IsActive(d.Status) {
			d.NeedsReconcile = true
			d.UpdatedAt = m.NowFunc()
		}
	}
	return nil
}

func (m *Memory) DeleteProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vars := m.projectEnv[projectID]
	out := vars[:0]
	for _, v := range vars {
		if v.Key != key {
			out = append(out, v)
		}
	}
	m.projectEnv[projectID] = out
	return nil
}

// Custom domains

func (m *Memory) ListCustomDomains(ctx context.Context, projectID uuid.UUID) ([]types.CustomDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CustomDomain(nil), m.customDomains[projectID]...), nil
}

// AddCustomDomain seeds a domain; used by tests.
func (m *Memory) AddCustomDomain(projectID uuid.UUID, d types.CustomDomain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customDomains[projectID] = append(m.customDomains[projectID], d)
}

// Teams

func (m *Memory) IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teamMembers[teamID][userID], nil
}

// AddTeamMember seeds a membership; used by tests.
func (m *Memory) AddTeamMember(teamID, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teamMembers[teamID] == nil {
		m.teamMembers[teamID] = make(map[uuid.UUID]bool)
	}
	m.teamMembers[teamID][userID] = true
}

// Deployments

func (m *Memory) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[d.ProjectID]; !ok {
		return ErrProjectNotFound
	}
	for _, existing := range m.deployments {
		if existing.ProjectID == d.ProjectID && existing.DeploymentID == d.DeploymentID {
			return ErrConstraintViolation
		}
	}
	now := m.NowFunc()
	cp := copyDeployment(d)
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.deployments[d.ID] = cp
	// Snapshot the project env vars; later project edits must not leak in.
	m.deploymentEnv[d.ID] = append([]types.EnvVar(nil), m.projectEnv[d.ProjectID]...)
	return m.recomputeLocked(d.ProjectID)
}

func (m *Memory) GetDeployment(ctx context.Context, id uuid.UUID) (*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrDeploymentNotFound
	}
	return copyDeployment(d), nil
}

func (m *Memory) GetDeploymentByName(ctx context.Context, projectID uuid.UUID, deploymentID string) (*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.ProjectID == projectID && d.DeploymentID == deploymentID {
			return copyDeployment(d), nil
		}
	}
	return nil, ErrDeploymentNotFound
}

func (m *Memory) ListDeployments(ctx context.Context, projectID uuid.UUID, group string) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool {
		return d.ProjectID == projectID && (group == "" || d.DeploymentGroup == group)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeploymentEnvVars(ctx context.Context, id uuid.UUID) ([]types.EnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return nil, ErrDeploymentNotFound
	}
	return append([]types.EnvVar(nil), m.deploymentEnv[id]...), nil
}

func (m *Memory) listLocked(keep func(*types.Deployment) bool) []*types.Deployment {
	var out []*types.Deployment
	for _, d := range m.deployments {
		if keep(d) {
			out = append(out, copyDeployment(d))
		}
	}
	return out
}

// Loop finders

func (m *Memory) FindNonTerminal(ctx context.Context, limit int) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool {
		return d.Status == types.DeploymentStatusPushed || d.Status == types.DeploymentStatusDeploying
	})
	sortOldestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) FindNeedingReconcile(ctx context.Context, limit int) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool {
		return d.NeedsReconcile && state.IsActive(d.Status)
	})
	sortOldestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) FindByStatus(ctx context.Context, status types.DeploymentStatus) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool { return d.Status == status })
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) FindStuckPrePushedBefore(ctx context.Context, t time.Time, limit int) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool {
		switch d.Status {
		case types.DeploymentStatusPending, types.DeploymentStatusBuilding, types.DeploymentStatusPushing:
			return d.UpdatedAt.Before(t)
		}
		return false
	})
	sortOldestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) FindActiveFor(ctx context.Context, projectID uuid.UUID, group string) (*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[activeKey(projectID, group)]
	if !ok {
		return nil, nil
	}
	d, ok := m.deployments[id]
	if !ok {
		return nil, nil
	}
	return copyDeployment(d), nil
}

func (m *Memory) FindExpired(ctx context.Context, now time.Time, limit int) ([]*types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listLocked(func(d *types.Deployment) bool {
		if state.IsTerminal(d.Status) ||
			d.Status == types.DeploymentStatusTerminating ||
			d.Status == types.DeploymentStatusCancelling {
			return false
		}
		return d.Expired(now)
	})
	sortOldestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[types.DeploymentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.DeploymentStatus]int)
	for _, d := range m.deployments {
		counts[d.Status]++
	}
	return counts, nil
}

func sortOldestFirst(ds []*types.Deployment) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return strings.Compare(ds[i].ID.String(), ds[j].ID.String()) < 0
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

func clip(ds []*types.Deployment, limit int) []*types.Deployment {
	if limit > 0 && len(ds) > limit {
		return ds[:limit]
	}
	return ds
}

// Status mutations

func (m *Memory) transition(id uuid.UUID, to types.DeploymentStatus,
	extra func(d *types.Deployment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrDeploymentNotFound
	}
	if !state.CanTransition(d.Status, to) {
		return &IllegalTransitionError{From: d.Status, To: to}
	}
	now := m.NowFunc()
	d.Status = to
	d.UpdatedAt = now
	if to == types.DeploymentStatusDeploying && d.DeployingStartedAt == nil {
		t := now
		d.DeployingStartedAt = &t
	}
	if state.IsTerminal(to) {
		if d.CompletedAt == nil {
			t := now
			d.CompletedAt = &t
		}
		key := activeKey(d.ProjectID, d.DeploymentGroup)
		if m.active[key] == d.ID {
			delete(m.active, key)
		}
	}
	if extra != nil {
		extra(d)
	}
	return m.recomputeLocked(d.ProjectID)
}

func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, status types.DeploymentStatus) error {
	return m.transition(id, status, nil)
}

func (m *Memory) MarkTerminating(ctx context.Context, id uuid.UUID, reason types.TerminationReason) error {
	return m.transition(id, types.DeploymentStatusTerminating, func(d *types.Deployment) {
		r := reason
		d.TerminationReason = &r
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return m.transition(id, types.DeploymentStatusFailed, func(d *types.Deployment) {
		if msg != "" || d.ErrorMessage == "" {
			d.ErrorMessage = msg
		}
	})
}

func (m *Memory) MarkHealthy(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, types.DeploymentStatusHealthy, func(d *types.Deployment) {
		d.ErrorMessage = ""
	})
}

func (m *Memory) MarkUnhealthy(ctx context.Context, id uuid.UUID, msg string) error {
	return m.transition(id, types.DeploymentStatusUnhealthy, func(d *types.Deployment) {
		d.ErrorMessage = msg
	})
}

func (m *Memory) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, types.DeploymentStatusCancelled, nil)
}

func (m *Memory) MarkStopped(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, types.DeploymentStatusStopped, nil)
}

func (m *Memory) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, types.DeploymentStatusSuperseded, nil)
}

func (m *Memory) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, types.DeploymentStatusExpired, nil)
}

// Active pointer and reconcile bookkeeping

func (m *Memory) MarkAsActive(ctx context.Context, id, projectID uuid.UUID, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return ErrDeploymentNotFound
	}
	m.active[activeKey(projectID, group)] = id
	return nil
}

func (m *Memory) SetNeedsReconcile(ctx context.Context, id uuid.UUID) error {
	return m.setNeedsReconcile(id, true)
}

func (m *Memory) ClearNeedsReconcile(ctx context.Context, id uuid.UUID) error {
	return m.setNeedsReconcile(id, false)
}

func (m *Memory) setNeedsReconcile(id uuid.UUID, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrDeploymentNotFound
	}
	d.NeedsReconcile = v
	d.UpdatedAt = m.NowFunc()
	return nil
}

func (m *Memory) UpdateControllerMetadata(ctx context.Context, id uuid.UUID, md *types.ControllerMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrDeploymentNotFound
	}
	if md == nil {
		d.ControllerMetadata = nil
		return nil
	}
	cp := *md
	d.ControllerMetadata = &cp
	return nil
}

func (m *Memory) Close() error { return nil }
