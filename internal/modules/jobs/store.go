// Package jobs stores scheduled job definitions and their runs, and drives
// the cron tick and SLA evaluation.
package jobs

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
)

// Job statuses.
const (
	JobActive   = "ACTIVE"
	JobDisabled = "DISABLED"
)

// Run statuses.
const (
	RunRunning = "RUNNING"
	RunSuccess = "SUCCESS"
	RunFailed  = "FAILED"
)

// JobDefinition is one registered job.
type JobDefinition struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	JobType      string `json:"job_type"`
	Payload      string `json:"payload"`
	Owner        string `json:"owner"`
	ScheduleCron string `json:"schedule_cron"`
	Status       string `json:"status"`
	Description  string `json:"description"`
}

// JobRun is one execution of a job.
type JobRun struct {
	RunID         string  `json:"run_id"`
	JobID         int64   `json:"job_id"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at,omitempty"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggered_by"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ResultSummary string  `json:"result_summary,omitempty"`
}

// Store persists job definitions and runs.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the job store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repository", "jobs").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_definitions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL UNIQUE,
		job_type      TEXT NOT NULL,
		payload       TEXT NOT NULL DEFAULT '{}',
		owner         TEXT NOT NULL DEFAULT '',
		schedule_cron TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'ACTIVE',
		description   TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS job_runs (
		run_id         TEXT PRIMARY KEY,
		job_id         INTEGER NOT NULL,
		started_at     TEXT NOT NULL,
		finished_at    TEXT,
		status         TEXT NOT NULL,
		triggered_by   TEXT NOT NULL DEFAULT '',
		error_message  TEXT,
		result_summary TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_job_started
		ON job_runs (job_id, started_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create job schema: %w", err)
	}
	return nil
}

// SaveDefinition inserts or updates a job. Cron expressions are validated
// before writing.
func (s *Store) SaveDefinition(def JobDefinition) (JobDefinition, error) {
	if def.Name == "" || def.JobType == "" {
		return JobDefinition{}, apperr.Validation("job name and type are required")
	}
	if def.ScheduleCron != "" {
		if _, err := ParseCron(def.ScheduleCron); err != nil {
			return JobDefinition{}, err
		}
	}
	if def.Status == "" {
		def.Status = JobActive
	}
	if def.Payload == "" {
		def.Payload = "{}"
	}

	if def.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO job_definitions (name, job_type, payload, owner, schedule_cron, status, description)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			def.Name, def.JobType, def.Payload, def.Owner, def.ScheduleCron, def.Status, def.Description)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return JobDefinition{}, apperr.Validation("job %q already exists", def.Name)
			}
			return JobDefinition{}, fmt.Errorf("failed to insert job: %w", err)
		}
		def.ID, _ = res.LastInsertId()
		return s.Get(def.ID)
	}

	_, err := s.db.Exec(`
		UPDATE job_definitions SET
			name = ?, job_type = ?, payload = ?, owner = ?, schedule_cron = ?, status = ?, description = ?
		WHERE id = ?`,
		def.Name, def.JobType, def.Payload, def.Owner, def.ScheduleCron, def.Status, def.Description, def.ID)
	if err != nil {
		return JobDefinition{}, fmt.Errorf("failed to update job: %w", err)
	}
	return s.Get(def.ID)
}

// Get returns one job by id.
func (s *Store) Get(id int64) (JobDefinition, error) {
	row := s.db.QueryRow(`
		SELECT id, name, job_type, payload, owner, schedule_cron, status, description
		FROM job_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return JobDefinition{}, apperr.NotFound("job %d not found", id)
	}
	return def, err
}

// List returns all jobs.
func (s *Store) List() ([]JobDefinition, error) {
	return s.listWhere(``)
}

// ActiveScheduled returns ACTIVE jobs carrying a cron expression.
func (s *Store) ActiveScheduled() ([]JobDefinition, error) {
	return s.listWhere(`WHERE status = 'ACTIVE' AND schedule_cron != ''`)
}

func (s *Store) listWhere(where string) ([]JobDefinition, error) {
	rows, err := s.db.Query(`
		SELECT id, name, job_type, payload, owner, schedule_cron, status, description
		FROM job_definitions ` + where + ` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// StartRun inserts a RUNNING row with a fresh uuid run id.
func (s *Store) StartRun(jobID int64, triggeredBy string, startedAt time.Time) (JobRun, error) {
	run := JobRun{
		RunID:       strings.ReplaceAll(uuid.New().String(), "-", ""),
		JobID:       jobID,
		StartedAt:   startedAt.UTC().Format(time.RFC3339Nano),
		Status:      RunRunning,
		TriggeredBy: triggeredBy,
	}
	_, err := s.db.Exec(`
		INSERT INTO job_runs (run_id, job_id, started_at, status, triggered_by)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, run.StartedAt, run.Status, run.TriggeredBy)
	if err != nil {
		return JobRun{}, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

// FinishRun finalizes a run as SUCCESS or FAILED.
func (s *Store) FinishRun(runID, status, errorMessage, resultSummary string) error {
	res, err := s.db.Exec(`
		UPDATE job_runs SET finished_at = ?, status = ?, error_message = ?, result_summary = ?
		WHERE run_id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), status, errorMessage, resultSummary, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("run %s not found", runID)
	}
	return nil
}

// LatestRun returns the newest run for a job, or nil.
func (s *Store) LatestRun(jobID int64) (*JobRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, job_id, started_at, finished_at, status, triggered_by, error_message, result_summary
		FROM job_runs WHERE job_id = ? ORDER BY started_at DESC, run_id DESC LIMIT 1`, jobID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestSuccessSince reports whether the job has a SUCCESS run started at or
// after the given instant.
func (s *Store) LatestSuccessSince(jobID int64, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM job_runs
		WHERE job_id = ? AND status = 'SUCCESS' AND started_at >= ?`,
		jobID, since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	return n > 0, err
}

// RunningRuns returns all runs still marked RUNNING.
func (s *Store) RunningRuns() ([]JobRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, job_id, started_at, finished_at, status, triggered_by, error_message, result_summary
		FROM job_runs WHERE status = 'RUNNING' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Runs lists recent runs for a job, newest first.
func (s *Store) Runs(jobID int64, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, job_id, started_at, finished_at, status, triggered_by, error_message, result_summary
		FROM job_runs WHERE job_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (JobDefinition, error) {
	var def JobDefinition
	err := row.Scan(&def.ID, &def.Name, &def.JobType, &def.Payload, &def.Owner,
		&def.ScheduleCron, &def.Status, &def.Description)
	return def, err
}

func scanRun(row rowScanner) (JobRun, error) {
	var (
		run        JobRun
		finishedAt sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&run.RunID, &run.JobID, &run.StartedAt, &finishedAt, &run.Status,
		&run.TriggeredBy, &errMsg, &run.ResultSummary)
	if err != nil {
		return JobRun{}, err
	}
	if finishedAt.Valid {
		v := finishedAt.String
		run.FinishedAt = &v
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	return run, nil
}
