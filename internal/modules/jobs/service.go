package jobs

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

// Handler executes one job type. The payload is the definition's raw JSON.
type Handler func(def JobDefinition) (resultSummary string, err error)

// TickResult summarizes one scheduler tick.
type TickResult struct {
	TickTime      string   `json:"tick_time"`
	Timezone      string   `json:"timezone"`
	MatchedJobs   []string `json:"matched_jobs"`
	TriggeredRuns []string `json:"triggered_runs"`
	SkippedJobs   []string `json:"skipped_jobs"`
	Errors        []string `json:"errors"`
}

// Breach types.
const (
	BreachMissedRun  = "MISSED_RUN"
	BreachRunTimeout = "RUN_TIMEOUT"
)

// SLABreach is one detected schedule violation.
type SLABreach struct {
	JobID      int64           `json:"job_id"`
	JobName    string          `json:"job_name"`
	BreachType string          `json:"breach_type"`
	Severity   domain.Severity `json:"severity"`
	ExpectedAt string          `json:"expected_at,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Detail     string          `json:"detail"`
}

// Service runs scheduled jobs and evaluates schedule SLAs.
type Service struct {
	store    *Store
	handlers map[string]Handler
	location *time.Location
	log      zerolog.Logger
}

// NewService creates the job service. tz names the scheduler timezone; an
// unknown name falls back to UTC.
func NewService(store *Store, tz string, log zerolog.Logger) *Service {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		log.Warn().Str("timezone", tz).Msg("Unknown scheduler timezone, using UTC")
	}
	return &Service{
		store:    store,
		handlers: make(map[string]Handler),
		location: loc,
		log:      log.With().Str("component", "job_service").Logger(),
	}
}

// Store exposes the underlying store for HTTP handlers.
func (s *Service) Store() *Store {
	return s.store
}

// RegisterHandler binds a job type to its executor.
func (s *Service) RegisterHandler(jobType string, h Handler) {
	s.handlers[jobType] = h
}

// SchedulerTick fires every ACTIVE scheduled job whose cron matches asOf.
// Duplicate ticks within the same whole minute are idempotent: a job whose
// latest run started in that minute is skipped.
func (s *Service) SchedulerTick(asOf time.Time, triggeredBy string) (TickResult, error) {
	tick := asOf.In(s.location).Truncate(time.Minute)
	result := TickResult{
		TickTime:      tick.Format(time.RFC3339),
		Timezone:      s.location.String(),
		MatchedJobs:   []string{},
		TriggeredRuns: []string{},
		SkippedJobs:   []string{},
		Errors:        []string{},
	}

	defs, err := s.store.ActiveScheduled()
	if err != nil {
		return result, err
	}
	for _, def := range defs {
		schedule, err := ParseCron(def.ScheduleCron)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", def.Name, err))
			continue
		}
		if !schedule.Matches(tick) {
			continue
		}
		result.MatchedJobs = append(result.MatchedJobs, def.Name)

		latest, err := s.store.LatestRun(def.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", def.Name, err))
			continue
		}
		if latest != nil && s.sameMinute(latest.StartedAt, tick) {
			result.SkippedJobs = append(result.SkippedJobs, def.Name)
			continue
		}

		runID, err := s.RunJob(def, triggeredBy, tick)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", def.Name, err))
			continue
		}
		result.TriggeredRuns = append(result.TriggeredRuns, runID)
	}
	return result, nil
}

// RunJob executes one job synchronously: RUNNING row, handler, finalize.
func (s *Service) RunJob(def JobDefinition, triggeredBy string, startedAt time.Time) (string, error) {
	handler, ok := s.handlers[def.JobType]
	if !ok {
		return "", apperr.Validation("no handler registered for job type %q", def.JobType)
	}
	run, err := s.store.StartRun(def.ID, triggeredBy, startedAt)
	if err != nil {
		return "", err
	}

	summary, handlerErr := s.execute(handler, def)
	if handlerErr != nil {
		s.log.Warn().Err(handlerErr).Str("job", def.Name).Str("run_id", run.RunID).Msg("Job run failed")
		if err := s.store.FinishRun(run.RunID, RunFailed, handlerErr.Error(), ""); err != nil {
			return run.RunID, err
		}
		return run.RunID, nil
	}
	if err := s.store.FinishRun(run.RunID, RunSuccess, "", summary); err != nil {
		return run.RunID, err
	}
	return run.RunID, nil
}

// execute isolates handler panics so a bad job cannot kill the scheduler.
func (s *Service) execute(handler Handler, def JobDefinition) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(def)
}

// EvaluateSLA reports missed runs and stuck RUNNING rows as of the given
// instant.
func (s *Service) EvaluateSLA(asOf time.Time, graceMinutes, runningTimeoutMinutes int) ([]SLABreach, error) {
	asOf = asOf.In(s.location)
	var breaches []SLABreach

	defs, err := s.store.ActiveScheduled()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		schedule, err := ParseCron(def.ScheduleCron)
		if err != nil {
			continue
		}
		expected := schedule.PrevBefore(asOf.Add(-time.Duration(graceMinutes)*time.Minute), 0)
		if expected.IsZero() {
			continue
		}
		ok, err := s.store.LatestSuccessSince(def.ID, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		overdue := asOf.Sub(expected) - time.Duration(graceMinutes)*time.Minute
		severity := domain.SeverityWarning
		if overdue >= time.Hour {
			severity = domain.SeverityCritical
		}
		breaches = append(breaches, SLABreach{
			JobID:      def.ID,
			JobName:    def.Name,
			BreachType: BreachMissedRun,
			Severity:   severity,
			ExpectedAt: expected.Format(time.RFC3339),
			Detail:     fmt.Sprintf("no successful run since expected fire at %s", expected.Format(time.RFC3339)),
		})
	}

	if runningTimeoutMinutes > 0 {
		running, err := s.store.RunningRuns()
		if err != nil {
			return nil, err
		}
		cutoff := asOf.Add(-time.Duration(runningTimeoutMinutes) * time.Minute)
		for _, run := range running {
			started, err := time.Parse(time.RFC3339Nano, run.StartedAt)
			if err != nil || started.After(cutoff) {
				continue
			}
			def, err := s.store.Get(run.JobID)
			if err != nil {
				continue
			}
			breaches = append(breaches, SLABreach{
				JobID:      run.JobID,
				JobName:    def.Name,
				BreachType: BreachRunTimeout,
				Severity:   domain.SeverityCritical,
				RunID:      run.RunID,
				Detail:     fmt.Sprintf("run %s started %s is still RUNNING", run.RunID, run.StartedAt),
			})
		}
	}
	return breaches, nil
}

// sameMinute compares a stored start time against the tick minute in the
// scheduler timezone.
func (s *Service) sameMinute(startedAt string, tick time.Time) bool {
	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return false
	}
	return started.In(s.location).Truncate(time.Minute).Equal(tick)
}
