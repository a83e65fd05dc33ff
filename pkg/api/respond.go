package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/store"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps store errors onto HTTP statuses. Handlers log the
// full cause before mapping; clients only see the category.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound):
		respondError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, store.ErrDeploymentNotFound):
		respondError(w, http.StatusNotFound, "deployment not found")
	case store.IsIllegalTransition(err):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConstraintViolation):
		respondError(w, http.StatusConflict, "conflicting write")
	default:
		log.WithComponent("api").Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
