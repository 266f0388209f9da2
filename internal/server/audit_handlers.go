package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/redmargin/quantgate/internal/apperr"
)

// handleAuditVerify serves GET /audit/verify-chain?limit.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.deps.Audit.VerifyChain(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleAuditEvents serves GET /audit/events?limit.
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events, err := s.deps.Audit.Latest(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleAuditExport serves GET /audit/export?format=csv|jsonl&limit. The
// export runs through the license check so the response always carries a
// watermark line, and oversize or denied exports fail closed.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 1000
	}

	decision, err := s.deps.Licenses.Check("audit_log", "internal", "export", true, int64(limit), time.Now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if s.cfg.EnforceDataLicense && !decision.Allowed {
		s.respondError(w, apperr.Auth("export denied: %s", decision.Reason))
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit_export.csv"`)
		if _, err := s.deps.Audit.ExportCSV(w, decision.Watermark, limit); err != nil {
			s.log.Error().Err(err).Msg("Audit CSV export failed")
		}
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="audit_export.jsonl"`)
		if _, err := s.deps.Audit.ExportJSONL(w, decision.Watermark, limit); err != nil {
			s.log.Error().Err(err).Msg("Audit JSONL export failed")
		}
	default:
		s.respondError(w, apperr.Validation("format must be csv or jsonl"))
	}
}
