package server

import (
	"context"
	"net/http"
)

type contextKey string

const roleKey contextKey = "role"

// authMiddleware validates the API key header and stashes the caller's role.
// Disabled auth passes everything through with the operator role.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, "operator")))
			return
		}
		key := r.Header.Get(s.cfg.AuthHeaderName)
		if key == "" {
			s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			return
		}
		role, ok := s.cfg.AuthAPIKeys[key]
		if !ok {
			s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
	})
}

// callerRole returns the authenticated role, empty when unauthenticated.
func callerRole(r *http.Request) string {
	if role, ok := r.Context().Value(roleKey).(string); ok {
		return role
	}
	return ""
}
