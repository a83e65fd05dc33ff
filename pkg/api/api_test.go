package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/token"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

type stubBackend struct {
	logs string
}

func (b *stubBackend) Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.ReconcileResult, error) {
	return &backend.ReconcileResult{Status: d.Status}, nil
}

func (b *stubBackend) HealthCheck(ctx context.Context, d *types.Deployment) (*backend.HealthResult, error) {
	return &backend.HealthResult{Healthy: true}, nil
}

func (b *stubBackend) Cancel(ctx context.Context, d *types.Deployment) error    { return nil }
func (b *stubBackend) Terminate(ctx context.Context, d *types.Deployment) error { return nil }

func (b *stubBackend) DeploymentURLs(ctx context.Context, d *types.Deployment, p *types.Project) (*backend.URLs, error) {
	return &backend.URLs{}, nil
}

func (b *stubBackend) ProjectURLs(ctx context.Context, p *types.Project, group string) (*backend.URLs, error) {
	return &backend.URLs{}, nil
}

func (b *stubBackend) StreamLogs(ctx context.Context, d *types.Deployment, opts backend.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(b.logs)), nil
}

func (b *stubBackend) Start(ctx context.Context) error { return nil }
func (b *stubBackend) Stop()                           {}

type staticCreds types.RegistryCredentials

func (c staticCreds) Credentials(ctx context.Context, p *types.Project) (*types.RegistryCredentials, error) {
	creds := types.RegistryCredentials(c)
	return &creds, nil
}

type fixture struct {
	server  *Server
	router  http.Handler
	store   *store.Memory
	signer  *token.Signer
	project *types.Project
	ownerID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := token.NewSigner(token.Config{
		Issuer:            "https://rise.test",
		HS256SecretBase64: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, 32)),
	})
	require.NoError(t, err)

	m := store.NewMemory()
	ownerID := uuid.New()
	p := &types.Project{
		ID:          uuid.New(),
		Name:        "shop",
		Visibility:  types.VisibilityPrivate,
		OwnerUserID: &ownerID,
		Status:      types.ProjectStatusStopped,
	}
	require.NoError(t, m.CreateProject(context.Background(), p))

	calc := urls.NewCalculator(urls.Config{
		ProductionTemplate: "https://{project}.apps.rise.test",
		StagingTemplate:    "https://{project}--{group}.apps.rise.test",
	})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	srv := NewServer(Config{}, m, &stubBackend{logs: "log line one\n"}, signer, calc, broker,
		staticCreds{RegistryURL: "https://registry.rise.test", Username: "rise", Password: "secret"})

	return &fixture{
		server:  srv,
		router:  srv.Router(),
		store:   m,
		signer:  signer,
		project: p,
		ownerID: ownerID,
	}
}

func (f *fixture) token(t *testing.T, userID uuid.UUID, groups ...string) string {
	t.Helper()
	signed, err := f.signer.SignUIToken(token.UIUser{
		ID:     userID.String(),
		Email:  "dev@rise.test",
		Groups: groups,
	})
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateDeploymentRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/deployments", "", createDeploymentRequest{Project: "shop", HTTPPort: 8080})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateDeployment(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/deployments", f.token(t, f.ownerID),
		createDeploymentRequest{Project: "shop", HTTPPort: 8080, ExpiresIn: "2h"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createDeploymentResponse
	decodeInto(t, rec, &resp)
	assert.Regexp(t, `^\d{8}-\d{6}$`, resp.DeploymentID)
	assert.Equal(t, "registry.rise.test/shop:"+resp.DeploymentID, resp.ImageTag)
	require.NotNil(t, resp.RegistryCredentials)
	assert.Equal(t, "rise", resp.RegistryCredentials.Username)

	d, err := f.store.GetDeployment(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusPending, d.Status)
	require.NotNil(t, d.ExpiresAt)
}

func TestCreateDeploymentPreBuilt(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/deployments", f.token(t, f.ownerID),
		createDeploymentRequest{Project: "shop", HTTPPort: 8080, ImageDigest: "registry.rise.test/shop@sha256:abc"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createDeploymentResponse
	decodeInto(t, rec, &resp)
	d, err := f.store.GetDeployment(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusPushed, d.Status)
	assert.Equal(t, "registry.rise.test/shop@sha256:abc", resp.ImageTag)
}

func TestCreateDeploymentErrors(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, f.ownerID)

	tests := []struct {
		name   string
		bearer string
		req    createDeploymentRequest
		want   int
	}{
		{"unknown project", owner, createDeploymentRequest{Project: "ghost", HTTPPort: 8080}, http.StatusNotFound},
		{"foreign user", f.token(t, uuid.New()), createDeploymentRequest{Project: "shop", HTTPPort: 8080}, http.StatusForbidden},
		{"missing project", owner, createDeploymentRequest{HTTPPort: 8080}, http.StatusBadRequest},
		{"bad port", owner, createDeploymentRequest{Project: "shop", HTTPPort: 0}, http.StatusBadRequest},
		{"bad expiry", owner, createDeploymentRequest{Project: "shop", HTTPPort: 8080, ExpiresIn: "soon"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/deployments", tt.bearer, tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateDeploymentNoRegistry(t *testing.T) {
	f := newFixture(t)
	f.server.creds = nil
	rec := f.do(t, http.MethodPost, "/deployments", f.token(t, f.ownerID),
		createDeploymentRequest{Project: "shop", HTTPPort: 8080})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminBypassesOwnership(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/deployments", f.token(t, uuid.New(), "admin"),
		createDeploymentRequest{Project: "shop", HTTPPort: 8080})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTeamMemberAuthorized(t *testing.T) {
	f := newFixture(t)
	teamID := uuid.New()
	memberID := uuid.New()
	f.store.AddTeamMember(teamID, memberID)
	p := &types.Project{
		ID:          uuid.New(),
		Name:        "team-app",
		Visibility:  types.VisibilityPrivate,
		OwnerTeamID: &teamID,
		Status:      types.ProjectStatusStopped,
	}
	require.NoError(t, f.store.CreateProject(context.Background(), p))

	rec := f.do(t, http.MethodPost, "/deployments", f.token(t, memberID),
		createDeploymentRequest{Project: "team-app", HTTPPort: 8080})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/deployments", f.token(t, uuid.New()),
		createDeploymentRequest{Project: "team-app", HTTPPort: 8080})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublicProjectReadableNotWritable(t *testing.T) {
	f := newFixture(t)
	stranger := f.token(t, uuid.New())
	public := &types.Project{
		ID:          uuid.New(),
		Name:        "demo",
		Visibility:  types.VisibilityPublic,
		OwnerUserID: &f.ownerID,
		Status:      types.ProjectStatusStopped,
	}
	require.NoError(t, f.store.CreateProject(context.Background(), public))

	rec := f.do(t, http.MethodGet, "/projects/demo/deployments", stranger, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/deployments", stranger,
		createDeploymentRequest{Project: "demo", HTTPPort: 8080})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func seedDeployment(t *testing.T, f *fixture, deploymentID string, status types.DeploymentStatus) *types.Deployment {
	t.Helper()
	d := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    deploymentID,
		ProjectID:       f.project.ID,
		CreatedByUserID: f.ownerID,
		DeploymentGroup: types.DefaultDeploymentGroup,
		Status:          status,
		HTTPPort:        8080,
	}
	require.NoError(t, f.store.CreateDeployment(context.Background(), d))
	return d
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, f.ownerID)
	d := seedDeployment(t, f, "20260115-120000", types.DeploymentStatusPending)

	rec := f.do(t, http.MethodPatch, "/deployments/"+d.ID.String()+"/status", owner,
		updateStatusRequest{Status: types.DeploymentStatusBuilding})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/deployments/"+d.ID.String()+"/status", owner,
		updateStatusRequest{Status: types.DeploymentStatusFailed, ErrorMessage: "build broke"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusFailed, got.Status)
	assert.Equal(t, "build broke", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateStatusRejectsControllerStates(t *testing.T) {
	f := newFixture(t)
	d := seedDeployment(t, f, "20260115-120000", types.DeploymentStatusPending)
	rec := f.do(t, http.MethodPatch, "/deployments/"+d.ID.String()+"/status", f.token(t, f.ownerID),
		updateStatusRequest{Status: types.DeploymentStatusHealthy})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatusIllegalTransition(t *testing.T) {
	f := newFixture(t)
	d := seedDeployment(t, f, "20260115-120000", types.DeploymentStatusStopped)
	rec := f.do(t, http.MethodPatch, "/deployments/"+d.ID.String()+"/status", f.token(t, f.ownerID),
		updateStatusRequest{Status: types.DeploymentStatusBuilding})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAndGetDeployments(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, f.ownerID)
	seedDeployment(t, f, "20260115-110000", types.DeploymentStatusHealthy)
	preview := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    "20260115-120000",
		ProjectID:       f.project.ID,
		CreatedByUserID: f.ownerID,
		DeploymentGroup: "preview",
		Status:          types.DeploymentStatusHealthy,
		HTTPPort:        8080,
	}
	require.NoError(t, f.store.CreateDeployment(context.Background(), preview))

	rec := f.do(t, http.MethodGet, "/projects/shop/deployments", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Deployments []*types.Deployment `json:"deployments"`
	}
	decodeInto(t, rec, &listed)
	assert.Len(t, listed.Deployments, 2)

	rec = f.do(t, http.MethodGet, "/projects/shop/deployments?group=preview", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &listed)
	require.Len(t, listed.Deployments, 1)
	assert.Equal(t, "20260115-120000", listed.Deployments[0].DeploymentID)

	rec = f.do(t, http.MethodGet, "/projects/shop/deployments/20260115-110000", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Deployment
	decodeInto(t, rec, &got)
	assert.Equal(t, "20260115-110000", got.DeploymentID)

	rec = f.do(t, http.MethodGet, "/projects/shop/deployments/20991231-000000", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, f.ownerID)
	ref := &types.Deployment{
		ID:              uuid.New(),
		DeploymentID:    "20260114-090000",
		ProjectID:       f.project.ID,
		CreatedByUserID: f.ownerID,
		DeploymentGroup: types.DefaultDeploymentGroup,
		Status:          types.DeploymentStatusSuperseded,
		ImageDigest:     "registry.rise.test/shop@sha256:abc",
		HTTPPort:        8080,
	}
	require.NoError(t, f.store.CreateDeployment(context.Background(), ref))

	rec := f.do(t, http.MethodPost, "/projects/shop/deployments/20260114-090000/rollback", owner, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var d types.Deployment
	decodeInto(t, rec, &d)
	assert.Equal(t, types.DeploymentStatusPushed, d.Status)
	assert.Equal(t, ref.ImageDigest, d.ImageDigest)
	assert.Equal(t, ref.DeploymentGroup, d.DeploymentGroup)
	assert.NotEqual(t, ref.DeploymentID, d.DeploymentID)
}

func TestRollbackWithoutImage(t *testing.T) {
	f := newFixture(t)
	seedDeployment(t, f, "20260114-090000", types.DeploymentStatusFailed)
	rec := f.do(t, http.MethodPost, "/projects/shop/deployments/20260114-090000/rollback",
		f.token(t, f.ownerID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopGroup(t *testing.T) {
	f := newFixture(t)
	building := seedDeployment(t, f, "20260115-110000", types.DeploymentStatusBuilding)
	healthy := seedDeployment(t, f, "20260115-120000", types.DeploymentStatusHealthy)
	done := seedDeployment(t, f, "20260115-100000", types.DeploymentStatusStopped)

	rec := f.do(t, http.MethodPost, "/projects/shop/deployments/stop", f.token(t, f.ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stopResponse
	decodeInto(t, rec, &resp)
	assert.Equal(t, 2, resp.Stopped)
	assert.ElementsMatch(t, []string{"20260115-110000", "20260115-120000"}, resp.DeploymentIDs)

	got, _ := f.store.GetDeployment(context.Background(), building.ID)
	assert.Equal(t, types.DeploymentStatusCancelling, got.Status)

	got, _ = f.store.GetDeployment(context.Background(), healthy.ID)
	assert.Equal(t, types.DeploymentStatusTerminating, got.Status)
	require.NotNil(t, got.TerminationReason)
	assert.Equal(t, types.TerminationReasonUserStopped, *got.TerminationReason)

	got, _ = f.store.GetDeployment(context.Background(), done.ID)
	assert.Equal(t, types.DeploymentStatusStopped, got.Status)
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	seedDeployment(t, f, "20260115-120000", types.DeploymentStatusHealthy)
	rec := f.do(t, http.MethodGet, "/projects/shop/deployments/20260115-120000/logs?tail=10",
		f.token(t, f.ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "log line one\n", rec.Body.String())
}

func TestFollowReturnsImmediatelyForActiveDeployment(t *testing.T) {
	f := newFixture(t)
	seedDeployment(t, f, "20260115-120000", types.DeploymentStatusHealthy)
	rec := f.do(t, http.MethodGet, "/projects/shop/deployments/20260115-120000/follow",
		f.token(t, f.ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "data: "))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestJWKSEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc token.JWKS
	decodeInto(t, rec, &doc)
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, f.signer.KeyID(), doc.Keys[0].Kid)
	assert.Equal(t, "RS256", doc.Keys[0].Alg)
}

func TestIngressToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/auth/ingress?project=shop", f.token(t, f.ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingressTokenResponse
	decodeInto(t, rec, &resp)
	assert.Equal(t, "https://shop.apps.rise.test", resp.Audience)

	claims, err := f.signer.VerifySkipAudience(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.apps.rise.test", claims["aud"])
	assert.Equal(t, f.ownerID.String(), claims["rise_user_id"])
}

func TestCookieAuthentication(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/projects/shop/deployments", nil)
	req.AddCookie(&http.Cookie{Name: "rise_jwt", Value: f.token(t, f.ownerID)})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
