package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/autotune"
	"github.com/redmargin/quantgate/internal/modules/events"
	"github.com/redmargin/quantgate/internal/modules/governance"
	"github.com/redmargin/quantgate/internal/modules/holdings"
	"github.com/redmargin/quantgate/internal/modules/license"
	"github.com/redmargin/quantgate/internal/modules/replay"
)

// --- governance ---

// handleRegisterDraft serves POST /governance/strategies.
func (s *Server) handleRegisterDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyName string `json:"strategy_name"`
		Version      string `json:"version"`
		ParamsHash   string `json:"params_hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	v, err := s.deps.Governance.RegisterDraft(req.StrategyName, req.Version, req.ParamsHash)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, v)
}

// handleListVersions serves GET /governance/strategies/{name}.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Governance.List(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

// handleSubmitReview serves POST /governance/strategies/{name}/{version}/submit.
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Governance.SubmitReview(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

// handleDecide serves POST /governance/strategies/{name}/{version}/decide.
// The reviewer role defaults to the authenticated caller's role.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer     string `json:"reviewer"`
		ReviewerRole string `json:"reviewer_role"`
		Decision     string `json:"decision"`
		Note         string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.ReviewerRole == "" {
		req.ReviewerRole = callerRole(r)
	}
	v, err := s.deps.Governance.Decide(governance.Decision{
		StrategyName: chi.URLParam(r, "name"),
		Version:      chi.URLParam(r, "version"),
		Reviewer:     req.Reviewer,
		ReviewerRole: req.ReviewerRole,
		Decision:     req.Decision,
		Note:         req.Note,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.deps.Audit.Log("governance", "decide", "OK", map[string]interface{}{
		"strategy": v.StrategyName,
		"version":  v.Version,
		"decision": req.Decision,
		"role":     req.ReviewerRole,
		"status":   v.Status,
	})
	s.respondJSON(w, http.StatusOK, v)
}

// --- autotune ---

// handleSaveProfile serves POST /autotune/profiles.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req autotune.Profile
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	p, err := s.deps.Autotune.SaveProfile(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, p)
}

// handleListProfiles serves GET /autotune/profiles?strategy.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		s.respondError(w, apperr.Validation("strategy is required"))
		return
	}
	profiles, err := s.deps.Autotune.List(strategy)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

// handleActivateProfile serves POST /autotune/profiles/{id}/activate.
func (s *Server) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, apperr.Validation("invalid profile id"))
		return
	}
	p, err := s.deps.Autotune.ActivateProfile(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.deps.Audit.Log("autotune", "activate_profile", "OK", map[string]interface{}{
		"profile_id": p.ID,
		"strategy":   p.StrategyName,
		"scope":      p.Scope,
		"symbol":     p.Symbol,
	})
	s.respondJSON(w, http.StatusOK, p)
}

// handleRollbackProfile serves POST /autotune/rollback.
func (s *Server) handleRollbackProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyName string `json:"strategy_name"`
		Scope        string `json:"scope"`
		Symbol       string `json:"symbol"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Scope == "" {
		req.Scope = autotune.ScopeGlobal
	}
	p, err := s.deps.Autotune.RollbackActiveProfile(req.StrategyName, req.Scope, req.Symbol)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.deps.Audit.Log("autotune", "rollback_profile", "OK", map[string]interface{}{
		"profile_id": p.ID,
		"strategy":   p.StrategyName,
	})
	s.respondJSON(w, http.StatusOK, p)
}

// handleSetRolloutRule serves POST /autotune/rollout-rules.
func (s *Server) handleSetRolloutRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyName string `json:"strategy_name"`
		Symbol       string `json:"symbol"`
		Enabled      bool   `json:"enabled"`
		Note         string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Autotune.SetRolloutRule(req.StrategyName, req.Symbol, req.Enabled, req.Note); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- licenses ---

// handleListLicenses serves GET /licenses.
func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := s.deps.Licenses.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"licenses": licenses})
}

// handleSaveLicense serves POST /licenses.
func (s *Server) handleSaveLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DatasetName   string   `json:"dataset_name"`
		Provider      string   `json:"provider"`
		UsageScopes   []string `json:"usage_scopes"`
		AllowExport   bool     `json:"allow_export"`
		MaxExportRows *int64   `json:"max_export_rows"`
		Watermark     string   `json:"watermark"`
		ValidFrom     string   `json:"valid_from"`
		ValidTo       *string  `json:"valid_to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	validFrom, err := domain.ParseDate(req.ValidFrom)
	if err != nil {
		s.respondError(w, apperr.Validation("invalid valid_from date"))
		return
	}
	lic := license.License{
		DatasetName:   req.DatasetName,
		Provider:      req.Provider,
		UsageScopes:   req.UsageScopes,
		AllowExport:   req.AllowExport,
		MaxExportRows: req.MaxExportRows,
		Watermark:     req.Watermark,
		ValidFrom:     validFrom,
	}
	if req.ValidTo != nil {
		validTo, err := domain.ParseDate(*req.ValidTo)
		if err != nil {
			s.respondError(w, apperr.Validation("invalid valid_to date"))
			return
		}
		lic.ValidTo = &validTo
	}
	id, err := s.deps.Licenses.Save(lic)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// --- events ---

type eventDTO struct {
	SourceName    string                 `json:"source_name"`
	EventID       string                 `json:"event_id"`
	Symbol        string                 `json:"symbol"`
	EventType     string                 `json:"event_type"`
	PublishTime   string                 `json:"publish_time"`
	EffectiveTime *string                `json:"effective_time,omitempty"`
	Polarity      string                 `json:"polarity"`
	Score         float64                `json:"score"`
	Confidence    float64                `json:"confidence"`
	Title         string                 `json:"title"`
	Summary       string                 `json:"summary"`
	RawRef        string                 `json:"raw_ref,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// handleIngestEvents serves POST /events/ingest.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []eventDTO `json:"events"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	batch := make([]domain.CorporateEvent, 0, len(req.Events))
	for _, dto := range req.Events {
		ev, err := fromEventDTO(dto)
		if err != nil {
			s.respondError(w, err)
			return
		}
		batch = append(batch, ev)
	}
	result := s.deps.Events.Ingest(batch)
	s.deps.Audit.Log("events", "ingest", "OK", map[string]interface{}{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"errors":   len(result.Errors),
	})
	s.respondJSON(w, http.StatusOK, result)
}

func fromEventDTO(dto eventDTO) (domain.CorporateEvent, error) {
	publish, err := time.Parse(time.RFC3339, dto.PublishTime)
	if err != nil {
		return domain.CorporateEvent{}, apperr.Validation("invalid publish_time for event %s", dto.EventID)
	}
	ev := domain.CorporateEvent{
		SourceName:  dto.SourceName,
		EventID:     dto.EventID,
		Symbol:      dto.Symbol,
		EventType:   dto.EventType,
		PublishTime: publish,
		Polarity:    domain.EventPolarity(dto.Polarity),
		Score:       dto.Score,
		Confidence:  dto.Confidence,
		Title:       dto.Title,
		Summary:     dto.Summary,
		RawRef:      dto.RawRef,
		Tags:        dto.Tags,
		Metadata:    dto.Metadata,
	}
	if dto.EffectiveTime != nil {
		effective, err := time.Parse(time.RFC3339, *dto.EffectiveTime)
		if err != nil {
			return domain.CorporateEvent{}, apperr.Validation("invalid effective_time for event %s", dto.EventID)
		}
		ev.EffectiveTime = &effective
	}
	return ev, nil
}

// handleListEvents serves GET /events?symbol&limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.respondError(w, apperr.Validation("symbol is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.deps.Events.BySymbol(symbol, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// handleValidateJoin serves POST /events/validate-join.
func (s *Server) handleValidateJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rows []events.JoinInput `json:"rows"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	report, err := s.deps.Events.ValidateJoin(req.Rows)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// --- replay ---

// handleReplayStats serves GET /replay/stats?strategy&window_days.
func (s *Server) handleReplayStats(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		s.respondError(w, apperr.Validation("strategy is required"))
		return
	}
	window, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	stats, err := s.deps.Replay.ComputeFollowStats(strategy, window, time.Now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleRecordExecution serves POST /replay/executions.
func (s *Server) handleRecordExecution(w http.ResponseWriter, r *http.Request) {
	var req replay.ExecutionRecord
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Replay.RecordExecution(req); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

// handleListSignals serves GET /replay/signals?strategy&limit.
func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		s.respondError(w, apperr.Validation("strategy is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	signals, err := s.deps.Replay.Signals(strategy, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"signals": signals})
}

// --- holdings ---

// handleListHoldings serves GET /holdings.
func (s *Server) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Holdings.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	cash, err := s.deps.Holdings.Cash()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"cash":      cash,
	})
}

// handleUpsertHolding serves POST /holdings.
func (s *Server) handleUpsertHolding(w http.ResponseWriter, r *http.Request) {
	var req holdings.Position
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Holdings.UpsertPosition(req); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSetCash serves POST /holdings/cash.
func (s *Server) handleSetCash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cash float64 `json:"cash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Holdings.SetCash(req.Cash); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
