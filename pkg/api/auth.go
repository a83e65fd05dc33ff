package api

import (
	"net/http"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/types"
)

type ingressTokenResponse struct {
	Token    string `json:"token"`
	Audience string `json:"audience"`
}

// handleIngressToken issues an RS256 token scoped to one project's URL.
// Apps behind the ingress verify it against the JWKS endpoint.
func (s *Server) handleIngressToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	name := r.URL.Query().Get("project")
	if name == "" {
		respondError(w, http.StatusBadRequest, "project is required")
		return
	}
	group := r.URL.Query().Get("group")
	if group == "" {
		group = types.DefaultDeploymentGroup
	}

	p, err := s.store.GetProjectByName(ctx, name)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !s.authorizeProject(ctx, id, p, false) {
		respondError(w, http.StatusForbidden, "not authorised for this project")
		return
	}

	domains, err := s.store.ListCustomDomains(ctx, p.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	u := s.urls.Resolve(p, group, domains)

	signed, err := s.signer.SignIngressJWT(id.Claims, id.UserID.String(), u.PrimaryURL, nil)
	if err != nil {
		log.WithProject(p.ID.String()).Error().Err(err).Msg("failed to sign ingress token")
		respondError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	metrics.TokensIssued.WithLabelValues("ingress").Inc()
	respondJSON(w, http.StatusOK, ingressTokenResponse{Token: signed, Audience: u.PrimaryURL})
}
