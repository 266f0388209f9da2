// Package scheduler runs the background tick loop: fire due jobs, audit SLA
// breaches, and fan fresh audit events out to alert subscribers.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/modules/alerts"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/jobs"
)

// Worker is the sole tick source for the job scheduler. One logical thread:
// tick, sleep, tick.
type Worker struct {
	jobs   *jobs.Service
	audit  *audit.Store
	alerts *alerts.Service
	cfg    *config.Config
	log    zerolog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu         sync.Mutex
	lastBreach map[string]time.Time
	running    bool
}

// NewWorker creates the scheduler worker. alertSvc may be nil when alert
// syncing is disabled.
func NewWorker(jobSvc *jobs.Service, auditStore *audit.Store, alertSvc *alerts.Service, cfg *config.Config, log zerolog.Logger) *Worker {
	return &Worker{
		jobs:       jobSvc,
		audit:      auditStore,
		alerts:     alertSvc,
		cfg:        cfg,
		log:        log.With().Str("component", "scheduler_worker").Logger(),
		lastBreach: make(map[string]time.Time),
	}
}

// Start begins the tick loop. Idempotent.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", w.cfg.SchedulerTickSeconds)
	id, err := w.cron.AddFunc(spec, w.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	w.entryID = id
	w.cron.Start()
	w.running = true
	w.log.Info().Int("tick_seconds", w.cfg.SchedulerTickSeconds).Msg("Scheduler worker started")
	return nil
}

// Stop halts the loop cooperatively; an in-flight tick finishes first.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.running = false
	w.log.Info().Msg("Scheduler worker stopped")
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) tick() {
	now := time.Now().UTC()

	result, err := w.jobs.SchedulerTick(now, "scheduler")
	if err != nil {
		w.log.Error().Err(err).Msg("Scheduler tick failed")
		w.audit.Log("ops_scheduler", "tick", "ERROR", map[string]interface{}{"error": err.Error()})
	} else if len(result.TriggeredRuns) > 0 || len(result.Errors) > 0 {
		status := "OK"
		if len(result.Errors) > 0 {
			status = "ERROR"
		}
		w.audit.Log("ops_scheduler", "tick", status, map[string]interface{}{
			"tick_time":      result.TickTime,
			"matched_jobs":   result.MatchedJobs,
			"triggered_runs": result.TriggeredRuns,
			"skipped_jobs":   result.SkippedJobs,
			"errors":         result.Errors,
		})
	}

	w.auditSLA(now)

	if w.cfg.SchedulerSyncAlerts && w.alerts != nil {
		if _, err := w.alerts.SyncFromAudit(w.cfg.SchedulerAlertSyncLimit); err != nil {
			w.log.Error().Err(err).Msg("Alert sync failed")
		}
	}
}

// auditSLA logs each new breach once per cooldown window. The dedupe key is
// job id, breach type, and the expected fire time.
func (w *Worker) auditSLA(now time.Time) {
	breaches, err := w.jobs.EvaluateSLA(now, w.cfg.SLAGraceMinutes, w.cfg.SLARunningTimeoutMin)
	if err != nil {
		w.log.Error().Err(err).Msg("SLA evaluation failed")
		return
	}
	cooldown := time.Duration(w.cfg.SLALogCooldownSeconds) * time.Second

	for _, breach := range breaches {
		key := fmt.Sprintf("%d|%s|%s", breach.JobID, breach.BreachType, breach.ExpectedAt)

		w.mu.Lock()
		last, seen := w.lastBreach[key]
		fresh := !seen || now.Sub(last) >= cooldown
		if fresh {
			w.lastBreach[key] = now
		}
		w.mu.Unlock()
		if !fresh {
			continue
		}

		w.audit.Log("ops_sla", breach.BreachType, "OK", map[string]interface{}{
			"job_id":      breach.JobID,
			"job_name":    breach.JobName,
			"breach_type": breach.BreachType,
			"severity":    string(breach.Severity),
			"expected_at": breach.ExpectedAt,
			"run_id":      breach.RunID,
			"message":     breach.Detail,
		})
	}
}
