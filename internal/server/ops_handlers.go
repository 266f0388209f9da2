package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/modules/alerts"
	"github.com/redmargin/quantgate/internal/modules/jobs"
)

// --- alerts ---

// handleSaveSubscription serves POST /alerts/subscriptions.
func (s *Server) handleSaveSubscription(w http.ResponseWriter, r *http.Request) {
	var req alerts.Subscription
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	sub, err := s.deps.Alerts.Store().SaveSubscription(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sub)
}

// handleListSubscriptions serves GET /alerts/subscriptions.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Alerts.Store().ListSubscriptions()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

// handleListNotifications serves GET /alerts/notifications?limit&acked.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var acked *bool
	if raw := r.URL.Query().Get("acked"); raw != "" {
		v := raw == "true" || raw == "1"
		acked = &v
	}
	notifications, err := s.deps.Alerts.Store().Notifications(limit, acked)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

// handleAckNotification serves POST /alerts/notifications/{id}/ack.
func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, apperr.Validation("invalid notification id"))
		return
	}
	if err := s.deps.Alerts.Store().AckNotification(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAlertSync serves POST /alerts/sync?limit.
func (s *Server) handleAlertSync(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.deps.Alerts.SyncFromAudit(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// --- jobs ---

// handleRegisterJob serves POST /ops/jobs/register.
func (s *Server) handleRegisterJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.JobDefinition
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	def, err := s.deps.Jobs.Store().SaveDefinition(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, def)
}

// handleListJobs serves GET /ops/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Jobs.Store().List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": defs})
}

// handleRunJob serves POST /ops/jobs/{id}/run.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, apperr.Validation("invalid job id"))
		return
	}
	def, err := s.deps.Jobs.Store().Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	runID, err := s.deps.Jobs.RunJob(def, "manual:"+callerRole(r), time.Now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

// handleListRuns serves GET /ops/jobs/{id}/runs?limit.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, apperr.Validation("invalid job id"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.deps.Jobs.Store().Runs(id, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleSchedulerTick serves POST /ops/jobs/scheduler/tick. Operator-triggered
// ticks compete with the worker by the same minute-idempotency check.
func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(w, apperr.Validation("invalid as_of, want RFC3339"))
			return
		}
		asOf = parsed
	}
	result, err := s.deps.Jobs.SchedulerTick(asOf, "manual:"+callerRole(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleSchedulerSLA serves GET /ops/jobs/scheduler/sla.
func (s *Server) handleSchedulerSLA(w http.ResponseWriter, r *http.Request) {
	breaches, err := s.deps.Jobs.EvaluateSLA(time.Now().UTC(), s.cfg.SLAGraceMinutes, s.cfg.SLARunningTimeoutMin)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if breaches == nil {
		breaches = []jobs.SLABreach{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"breaches": breaches})
}

// --- health ---

// handleHealth serves GET /ops/health: uptime, host stats, per-store ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stores := make(map[string]string, len(s.deps.Stores))
	healthy := true
	for name, db := range s.deps.Stores {
		if err := db.Ping(r.Context()); err != nil {
			stores[name] = "error: " + err.Error()
			healthy = false
		} else {
			stores[name] = "ok"
		}
	}

	host := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		host["mem_used_percent"] = vm.UsedPercent
	}
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		host["cpu_percent"] = percentages[0]
	}
	if du, err := disk.Usage(s.cfg.DataDir); err == nil {
		host["disk_used_percent"] = du.UsedPercent
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":         state,
		"uptime_seconds": int(time.Since(s.deps.StartedAt).Seconds()),
		"host":           host,
		"stores":         stores,
	})
}
