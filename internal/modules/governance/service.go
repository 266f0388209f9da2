// Package governance manages the strategy version lifecycle with multi-role
// quorum approval.
package governance

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
)

// Version statuses.
const (
	StatusDraft    = "DRAFT"
	StatusInReview = "IN_REVIEW"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
	StatusRetired  = "RETIRED"
)

// Decisions.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// Version is one strategy version row.
type Version struct {
	ID           int64
	StrategyName string
	Version      string
	Status       string
	ParamsHash   string
	ApprovedAt   *time.Time
	ApprovedBy   string
}

// Decision is one review decision.
type Decision struct {
	StrategyName string
	Version      string
	Reviewer     string
	ReviewerRole string
	Decision     string
	Note         string
	CreatedAt    time.Time
}

// Service stores versions and applies the approval invariant.
type Service struct {
	db            *sql.DB
	requiredRoles []string
	minApprovals  int
	log           zerolog.Logger
	now           func() time.Time
}

// NewService creates the governance service and ensures its schema.
func NewService(db *sql.DB, requiredRoles []string, minApprovals int, log zerolog.Logger) (*Service, error) {
	s := &Service{
		db:            db,
		requiredRoles: requiredRoles,
		minApprovals:  minApprovals,
		log:           log.With().Str("component", "strategy_governance").Logger(),
		now:           time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS strategy_versions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_name TEXT NOT NULL,
		version       TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'DRAFT',
		params_hash   TEXT NOT NULL DEFAULT '',
		approved_at   TEXT,
		approved_by   TEXT NOT NULL DEFAULT '',
		UNIQUE (strategy_name, version)
	);
	CREATE TABLE IF NOT EXISTS strategy_decisions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_name TEXT NOT NULL,
		version       TEXT NOT NULL,
		reviewer      TEXT NOT NULL,
		reviewer_role TEXT NOT NULL,
		decision      TEXT NOT NULL,
		note          TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_strategy_decisions_lookup
		ON strategy_decisions (strategy_name, version, reviewer_role, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create governance schema: %w", err)
	}
	return nil
}

// RegisterDraft inserts a new version at DRAFT.
func (s *Service) RegisterDraft(name, version, paramsHash string) (Version, error) {
	if name == "" || version == "" {
		return Version{}, apperr.Validation("strategy name and version are required")
	}
	_, err := s.db.Exec(`
		INSERT INTO strategy_versions (strategy_name, version, status, params_hash)
		VALUES (?, ?, ?, ?)`,
		name, version, StatusDraft, paramsHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Version{}, apperr.Validation("version %s/%s already exists", name, version)
		}
		return Version{}, fmt.Errorf("failed to register draft: %w", err)
	}
	return s.Get(name, version)
}

// SubmitReview transitions DRAFT or REJECTED to IN_REVIEW.
func (s *Service) SubmitReview(name, version string) (Version, error) {
	v, err := s.Get(name, version)
	if err != nil {
		return Version{}, err
	}
	if v.Status != StatusDraft && v.Status != StatusRejected {
		return Version{}, apperr.Validation("version %s/%s is %s, cannot submit for review", name, version, v.Status)
	}
	if _, err := s.db.Exec(`UPDATE strategy_versions SET status = ? WHERE strategy_name = ? AND version = ?`,
		StatusInReview, name, version); err != nil {
		return Version{}, fmt.Errorf("failed to submit review: %w", err)
	}
	return s.Get(name, version)
}

// Decide records a decision and re-evaluates the approval invariant over the
// latest-per-role decision set. APPROVED and RETIRED versions no longer
// accept decisions; a REJECTED version re-enters review on the next one.
func (s *Service) Decide(rec Decision) (Version, error) {
	if rec.Decision != DecisionApprove && rec.Decision != DecisionReject {
		return Version{}, apperr.Validation("decision must be APPROVE or REJECT")
	}
	v, err := s.Get(rec.StrategyName, rec.Version)
	if err != nil {
		return Version{}, err
	}
	switch v.Status {
	case StatusApproved, StatusRetired:
		return Version{}, apperr.Validation("version %s/%s is %s and no longer accepts decisions", rec.StrategyName, rec.Version, v.Status)
	case StatusRejected:
		if _, err := s.SubmitReview(rec.StrategyName, rec.Version); err != nil {
			return Version{}, err
		}
	case StatusDraft:
		return Version{}, apperr.Validation("version %s/%s has not been submitted for review", rec.StrategyName, rec.Version)
	}

	_, err = s.db.Exec(`
		INSERT INTO strategy_decisions (strategy_name, version, reviewer, reviewer_role, decision, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.StrategyName, rec.Version, rec.Reviewer, rec.ReviewerRole, rec.Decision, rec.Note,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Version{}, fmt.Errorf("failed to record decision: %w", err)
	}

	return s.applyQuorum(rec.StrategyName, rec.Version)
}

// applyQuorum evaluates the latest decision per role and transitions the
// version accordingly.
func (s *Service) applyQuorum(name, version string) (Version, error) {
	latest, err := s.latestPerRole(name, version)
	if err != nil {
		return Version{}, err
	}

	var approveRoles []string
	rejected := false
	for role, decision := range latest {
		if decision == DecisionReject {
			rejected = true
		} else {
			approveRoles = append(approveRoles, role)
		}
	}

	if rejected {
		if _, err := s.db.Exec(`UPDATE strategy_versions SET status = ? WHERE strategy_name = ? AND version = ?`,
			StatusRejected, name, version); err != nil {
			return Version{}, err
		}
		return s.Get(name, version)
	}

	covered := true
	for _, required := range s.requiredRoles {
		if _, ok := latest[required]; !ok || latest[required] != DecisionApprove {
			covered = false
			break
		}
	}

	if covered && len(approveRoles) >= s.minApprovals {
		sort.Strings(approveRoles)
		if _, err := s.db.Exec(`
			UPDATE strategy_versions SET status = ?, approved_at = ?, approved_by = ?
			WHERE strategy_name = ? AND version = ?`,
			StatusApproved, s.now().UTC().Format(time.RFC3339Nano), strings.Join(approveRoles, ","),
			name, version); err != nil {
			return Version{}, err
		}
	}
	return s.Get(name, version)
}

// latestPerRole returns role -> newest decision.
func (s *Service) latestPerRole(name, version string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT reviewer_role, decision FROM strategy_decisions
		WHERE strategy_name = ? AND version = ?
		ORDER BY created_at ASC, id ASC`, name, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]string)
	for rows.Next() {
		var role, decision string
		if err := rows.Scan(&role, &decision); err != nil {
			return nil, err
		}
		latest[role] = decision
	}
	return latest, rows.Err()
}

// Get returns one version.
func (s *Service) Get(name, version string) (Version, error) {
	row := s.db.QueryRow(`
		SELECT id, strategy_name, version, status, params_hash, approved_at, approved_by
		FROM strategy_versions WHERE strategy_name = ? AND version = ?`, name, version)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return Version{}, apperr.NotFound("strategy version %s/%s not found", name, version)
	}
	return v, err
}

// List returns all versions of a strategy, newest first.
func (s *Service) List(name string) ([]Version, error) {
	rows, err := s.db.Query(`
		SELECT id, strategy_name, version, status, params_hash, approved_at, approved_by
		FROM strategy_versions WHERE strategy_name = ? ORDER BY id DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// IsApproved reports whether any version of the strategy is APPROVED.
func (s *Service) IsApproved(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM strategy_versions WHERE strategy_name = ? AND status = ?`,
		name, StatusApproved).Scan(&n)
	return n > 0, err
}

// Retire marks a version RETIRED.
func (s *Service) Retire(name, version string) (Version, error) {
	if _, err := s.Get(name, version); err != nil {
		return Version{}, err
	}
	if _, err := s.db.Exec(`UPDATE strategy_versions SET status = ? WHERE strategy_name = ? AND version = ?`,
		StatusRetired, name, version); err != nil {
		return Version{}, err
	}
	return s.Get(name, version)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (Version, error) {
	var (
		v          Version
		approvedAt sql.NullString
	)
	if err := row.Scan(&v.ID, &v.StrategyName, &v.Version, &v.Status, &v.ParamsHash, &approvedAt, &v.ApprovedBy); err != nil {
		return Version{}, err
	}
	if approvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, approvedAt.String)
		if err != nil {
			return Version{}, err
		}
		v.ApprovedAt = &t
	}
	return v, nil
}
