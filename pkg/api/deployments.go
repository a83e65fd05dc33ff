package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/types"
)

type createDeploymentRequest struct {
	Project     string `json:"project"`
	Image       string `json:"image,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`
	Group       string `json:"group,omitempty"`
	HTTPPort    int    `json:"http_port"`
	ExpiresIn   string `json:"expires_in,omitempty"`
}

type createDeploymentResponse struct {
	ID                  uuid.UUID                  `json:"id"`
	DeploymentID        string                     `json:"deployment_id"`
	ImageTag            string                     `json:"image_tag"`
	RegistryCredentials *types.RegistryCredentials `json:"registry_credentials"`
}

// newDeploymentID derives the CLI-visible deployment name from the creation
// time, UTC.
func newDeploymentID(now time.Time) string {
	return now.UTC().Format("20060102-150405")
}

// parseExpiry accepts the CLI duration forms (ms, s, m, h suffixes).
func parseExpiry(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("expiry must be positive")
	}
	return d, nil
}

func registryHost(url string) string {
	return strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Project == "" {
		respondError(w, http.StatusBadRequest, "project is required")
		return
	}
	if req.HTTPPort < 1 || req.HTTPPort > 65535 {
		respondError(w, http.StatusBadRequest, "http_port must be between 1 and 65535")
		return
	}
	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := parseExpiry(req.ExpiresIn)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid expires_in: "+err.Error())
			return
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	p, err := s.store.GetProjectByName(ctx, req.Project)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !s.authorizeProject(ctx, id, p, true) {
		respondError(w, http.StatusForbidden, "not authorised for this project")
		return
	}
	if s.creds == nil {
		respondError(w, http.StatusServiceUnavailable, "no registry configured")
		return
	}
	creds, err := s.creds.Credentials(ctx, p)
	if err != nil {
		log.WithProject(p.ID.String()).Error().Err(err).Msg("registry credentials unavailable")
		respondError(w, http.StatusServiceUnavailable, "registry credentials unavailable")
		return
	}

	group := req.Group
	if group == "" {
		group = types.DefaultDeploymentGroup
	}
	// Pre-built images skip the build pipeline entirely.
	status := types.DeploymentStatusPending
	if req.Image != "" || req.ImageDigest != "" {
		status = types.DeploymentStatusPushed
	}
	d := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    newDeploymentID(time.Now()),
		ProjectID:       p.ID,
		CreatedByUserID: id.UserID,
		DeploymentGroup: group,
		Status:          status,
		Image:           req.Image,
		ImageDigest:     req.ImageDigest,
		HTTPPort:        req.HTTPPort,
		ExpiresAt:       expiresAt,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		respondStoreError(w, err)
		return
	}
	metrics.DeploymentsCreated.Inc()
	s.publish(&events.Event{
		Type:         events.EventDeploymentCreated,
		ProjectID:    p.ID,
		DeploymentID: d.ID,
		Status:       d.Status,
	})
	log.WithDeployment(d.DeploymentID).Info().
		Str("project", p.Name).
		Str("group", group).
		Msg("deployment created")

	respondJSON(w, http.StatusCreated, createDeploymentResponse{
		ID:                  d.ID,
		DeploymentID:        d.DeploymentID,
		ImageTag:            d.ImageTag(registryHost(creds.RegistryURL), p.Name),
		RegistryCredentials: creds,
	})
}

type updateStatusRequest struct {
	Status       types.DeploymentStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// cliStatuses are the statuses a deployment client may report. Everything
// else is controller-owned.
var cliStatuses = map[types.DeploymentStatus]bool{
	types.DeploymentStatusBuilding:   true,
	types.DeploymentStatusPushing:    true,
	types.DeploymentStatusPushed:     true,
	types.DeploymentStatusCancelling: true,
	types.DeploymentStatusFailed:     true,
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	rowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !cliStatuses[req.Status] {
		respondError(w, http.StatusBadRequest, "status not settable by clients")
		return
	}

	d, err := s.store.GetDeployment(ctx, rowID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	p, err := s.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !s.authorizeProject(ctx, id, p, true) {
		respondError(w, http.StatusForbidden, "not authorised for this project")
		return
	}

	if req.Status == types.DeploymentStatusFailed {
		err = s.store.MarkFailed(ctx, d.ID, req.ErrorMessage)
	} else {
		err = s.store.UpdateStatus(ctx, d.ID, req.Status)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}

	d, err = s.store.GetDeployment(ctx, d.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if s.broker != nil {
		s.broker.PublishStatus(d, req.ErrorMessage)
	}
	respondJSON(w, http.StatusOK, d)
}

// projectFromRequest resolves the {project} URL segment and authorizes the
// caller. Writes false to the response and returns nil on failure.
func (s *Server) projectFromRequest(w http.ResponseWriter, r *http.Request, write bool) *types.Project {
	ctx := r.Context()
	p, err := s.store.GetProjectByName(ctx, chi.URLParam(r, "project"))
	if err != nil {
		respondStoreError(w, err)
		return nil
	}
	if !s.authorizeProject(ctx, identityFrom(ctx), p, write) {
		respondError(w, http.StatusForbidden, "not authorised for this project")
		return nil
	}
	return p
}

// deploymentFromRequest resolves {deploymentID} within the project, by
// CLI name first and row UUID as a fallback.
func (s *Server) deploymentFromRequest(w http.ResponseWriter, r *http.Request, p *types.Project) *types.Deployment {
	ctx := r.Context()
	name := chi.URLParam(r, "deploymentID")
	d, err := s.store.GetDeploymentByName(ctx, p.ID, name)
	if errors.Is(err, store.ErrDeploymentNotFound) {
		if rowID, parseErr := uuid.Parse(name); parseErr == nil {
			d, err = s.store.GetDeployment(ctx, rowID)
			if err == nil && d.ProjectID != p.ID {
				d, err = nil, store.ErrDeploymentNotFound
			}
		}
	}
	if err != nil {
		respondStoreError(w, err)
		return nil
	}
	return d
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromRequest(w, r, false)
	if p == nil {
		return
	}
	ds, err := s.store.ListDeployments(r.Context(), p.ID, r.URL.Query().Get("group"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": ds})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromRequest(w, r, false)
	if p == nil {
		return
	}
	d := s.deploymentFromRequest(w, r, p)
	if d == nil {
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.projectFromRequest(w, r, true)
	if p == nil {
		return
	}
	ref := s.deploymentFromRequest(w, r, p)
	if ref == nil {
		return
	}
	if ref.ImageDigest == "" && ref.Image == "" {
		respondError(w, http.StatusBadRequest, "deployment has no image to roll back to")
		return
	}

	d := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    newDeploymentID(time.Now()),
		ProjectID:       p.ID,
		CreatedByUserID: identityFrom(ctx).UserID,
		DeploymentGroup: ref.DeploymentGroup,
		Status:          types.DeploymentStatusPushed,
		Image:           ref.Image,
		ImageDigest:     ref.ImageDigest,
		HTTPPort:        ref.HTTPPort,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		respondStoreError(w, err)
		return
	}
	metrics.DeploymentsCreated.Inc()
	s.publish(&events.Event{
		Type:         events.EventDeploymentCreated,
		ProjectID:    p.ID,
		DeploymentID: d.ID,
		Status:       d.Status,
	})
	log.WithDeployment(d.DeploymentID).Info().
		Str("rolled_back_to", ref.DeploymentID).
		Msg("rollback deployment created")
	respondJSON(w, http.StatusCreated, d)
}

type stopResponse struct {
	Stopped       int      `json:"stopped"`
	DeploymentIDs []string `json:"deployment_ids"`
}

func (s *Server) handleStopGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.projectFromRequest(w, r, true)
	if p == nil {
		return
	}
	group := r.URL.Query().Get("group")
	if group == "" {
		group = types.DefaultDeploymentGroup
	}
	ds, err := s.store.ListDeployments(ctx, p.ID, group)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	resp := stopResponse{DeploymentIDs: []string{}}
	for _, d := range ds {
		switch d.Status {
		case types.DeploymentStatusPending, types.DeploymentStatusBuilding,
			types.DeploymentStatusPushing, types.DeploymentStatusPushed:
			// No infrastructure yet, so the cancel loop handles these.
			err = s.store.UpdateStatus(ctx, d.ID, types.DeploymentStatusCancelling)
		case types.DeploymentStatusDeploying, types.DeploymentStatusHealthy,
			types.DeploymentStatusUnhealthy:
			err = s.store.MarkTerminating(ctx, d.ID, types.TerminationReasonUserStopped)
		default:
			continue
		}
		if err != nil {
			if store.IsIllegalTransition(err) {
				continue
			}
			respondStoreError(w, err)
			return
		}
		resp.Stopped++
		resp.DeploymentIDs = append(resp.DeploymentIDs, d.DeploymentID)
		if s.broker != nil {
			if cur, getErr := s.store.GetDeployment(ctx, d.ID); getErr == nil {
				s.broker.PublishStatus(cur, "stopped by user")
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) publish(e *events.Event) {
	if s.broker != nil {
		s.broker.Publish(e)
	}
}

// terminalOrActive reports whether the follow stream should hang up after
// seeing this status.
func terminalOrActive(status types.DeploymentStatus) bool {
	return state.IsTerminal(status) || state.IsActive(status)
}
