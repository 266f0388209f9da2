package server

import (
	"encoding/json"
	"net/http"

	"github.com/redmargin/quantgate/internal/apperr"
)

// respondJSON writes v as a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondError maps an error kind to its HTTP status.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuth:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindProvider:
		status = http.StatusBadGateway
	case apperr.KindGovernance:
		status = http.StatusForbidden
	default:
		s.log.Error().Err(err).Msg("Internal error")
		message = "internal error"
	}
	s.respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}
