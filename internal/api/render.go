package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
}

func renderJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}

// renderError maps domain errors onto http statuses
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrAdmissionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrPrivilegeDenied):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrSessionEnded):
		status = http.StatusGone
	case errors.Is(err, errNoIdentity):
		status = http.StatusUnauthorized
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("service", "api").Str("path", r.URL.Path).Msg("request failed")
	}

	renderJSON(w, status, errorResponse{Error: err.Error()})
}
