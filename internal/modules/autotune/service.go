// Package autotune stores tuned parameter profiles and controls their gray
// release through rollout rules.
package autotune

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
)

// Profile scopes.
const (
	ScopeGlobal = "GLOBAL"
	ScopeSymbol = "SYMBOL"
)

// Profile is one tuned parameter set. At most one row is active per
// (strategy_name, scope, symbol_key).
type Profile struct {
	ID                    int64
	StrategyName          string
	Scope                 string
	Symbol                string
	Params                map[string]interface{}
	ObjectiveScore        float64
	ValidationTotalReturn *float64
	SourceRunID           string
	Active                bool
	Note                  string
	CreatedAt             time.Time
}

// RolloutRule gates profile usage for a (strategy, symbol_key) pair.
type RolloutRule struct {
	ID           int64
	StrategyName string
	SymbolKey    string
	Enabled      bool
	Note         string
}

// Service persists profiles and resolves runtime parameters.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewService creates the autotune service and ensures its schema.
func NewService(db *sql.DB, log zerolog.Logger) (*Service, error) {
	s := &Service{
		db:  db,
		log: log.With().Str("component", "autotune").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS autotune_profiles (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_name           TEXT NOT NULL,
		scope                   TEXT NOT NULL DEFAULT 'GLOBAL',
		symbol                  TEXT NOT NULL DEFAULT '',
		strategy_params         TEXT NOT NULL DEFAULT '{}',
		objective_score         REAL NOT NULL DEFAULT 0,
		validation_total_return REAL,
		source_run_id           TEXT NOT NULL DEFAULT '',
		active                  INTEGER NOT NULL DEFAULT 0,
		note                    TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_autotune_profiles_key
		ON autotune_profiles (strategy_name, scope, symbol, active);
	CREATE TABLE IF NOT EXISTS autotune_rollout_rules (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_name TEXT NOT NULL,
		symbol_key    TEXT NOT NULL DEFAULT '',
		enabled       INTEGER NOT NULL DEFAULT 1,
		note          TEXT NOT NULL DEFAULT '',
		UNIQUE (strategy_name, symbol_key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create autotune schema: %w", err)
	}
	return nil
}

// symbolKey normalizes the symbol for uniqueness checks.
func symbolKey(scope, symbol string) string {
	if scope == ScopeSymbol {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return ""
}

// SaveProfile inserts a new (inactive) profile.
func (s *Service) SaveProfile(p Profile) (Profile, error) {
	if p.StrategyName == "" {
		return Profile{}, apperr.Validation("strategy name is required")
	}
	if p.Scope == "" {
		p.Scope = ScopeGlobal
	}
	if p.Scope != ScopeGlobal && p.Scope != ScopeSymbol {
		return Profile{}, apperr.Validation("scope must be GLOBAL or SYMBOL")
	}
	paramsJSON, err := json.Marshal(orEmpty(p.Params))
	if err != nil {
		return Profile{}, fmt.Errorf("failed to encode params: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO autotune_profiles
			(strategy_name, scope, symbol, strategy_params, objective_score,
			 validation_total_return, source_run_id, active, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.StrategyName, p.Scope, symbolKey(p.Scope, p.Symbol), string(paramsJSON),
		p.ObjectiveScore, nullFloat(p.ValidationTotalReturn), p.SourceRunID, p.Note,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Profile{}, fmt.Errorf("failed to save profile: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

// ActivateProfile deactivates peers for the same (strategy, scope, symbol_key)
// and activates the target in one transaction.
func (s *Service) ActivateProfile(id int64) (Profile, error) {
	p, err := s.Get(id)
	if err != nil {
		return Profile{}, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Profile{}, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE autotune_profiles SET active = 0
		WHERE strategy_name = ? AND scope = ? AND symbol = ?`,
		p.StrategyName, p.Scope, p.Symbol); err != nil {
		return Profile{}, fmt.Errorf("failed to deactivate peers: %w", err)
	}
	if _, err := tx.Exec(`UPDATE autotune_profiles SET active = 1 WHERE id = ?`, id); err != nil {
		return Profile{}, fmt.Errorf("failed to activate profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, err
	}
	s.log.Info().Int64("profile_id", id).Str("strategy", p.StrategyName).Msg("Profile activated")
	return s.Get(id)
}

// RollbackActiveProfile re-activates the profile that preceded the current
// active one for the same (strategy, scope, symbol_key).
func (s *Service) RollbackActiveProfile(strategy, scope, symbol string) (Profile, error) {
	key := symbolKey(scope, symbol)
	var activeID int64
	err := s.db.QueryRow(`
		SELECT id FROM autotune_profiles
		WHERE strategy_name = ? AND scope = ? AND symbol = ? AND active = 1`,
		strategy, scope, key).Scan(&activeID)
	if err == sql.ErrNoRows {
		return Profile{}, apperr.NotFound("no active profile for %s/%s/%s", strategy, scope, key)
	}
	if err != nil {
		return Profile{}, err
	}

	var prevID int64
	err = s.db.QueryRow(`
		SELECT id FROM autotune_profiles
		WHERE strategy_name = ? AND scope = ? AND symbol = ? AND id < ?
		ORDER BY id DESC LIMIT 1`,
		strategy, scope, key, activeID).Scan(&prevID)
	if err == sql.ErrNoRows {
		return Profile{}, apperr.NotFound("no previous profile to roll back to for %s/%s/%s", strategy, scope, key)
	}
	if err != nil {
		return Profile{}, err
	}
	return s.ActivateProfile(prevID)
}

// SetRolloutRule upserts the gate for (strategy, symbol_key).
func (s *Service) SetRolloutRule(strategy, symbol string, enabled bool, note string) error {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	_, err := s.db.Exec(`
		INSERT INTO autotune_rollout_rules (strategy_name, symbol_key, enabled, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (strategy_name, symbol_key) DO UPDATE SET
			enabled = excluded.enabled,
			note = excluded.note`,
		strategy, key, boolInt(enabled), note)
	if err != nil {
		return fmt.Errorf("failed to set rollout rule: %w", err)
	}
	return nil
}

// rolloutEnabled looks up the gate symbol-first then global. Absent rules
// default to enabled.
func (s *Service) rolloutEnabled(strategy, symbol string) (bool, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	for _, k := range []string{key, ""} {
		var enabled int
		err := s.db.QueryRow(`
			SELECT enabled FROM autotune_rollout_rules
			WHERE strategy_name = ? AND symbol_key = ?`, strategy, k).Scan(&enabled)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return enabled != 0, nil
	}
	return true, nil
}

// ResolveRuntimeParams merges the active profile under the explicit overrides.
// Explicit params always win. Returns (merged, nil) when profiles are off.
func (s *Service) ResolveRuntimeParams(strategy, symbol string, explicit map[string]interface{}, useProfile bool) (map[string]interface{}, *Profile, error) {
	merged := make(map[string]interface{}, len(explicit))
	for k, v := range explicit {
		merged[k] = v
	}
	if !useProfile {
		return merged, nil, nil
	}
	enabled, err := s.rolloutEnabled(strategy, symbol)
	if err != nil {
		return nil, nil, err
	}
	if !enabled {
		return merged, nil, nil
	}

	profile, err := s.activeProfile(strategy, symbol)
	if err != nil {
		return nil, nil, err
	}
	if profile == nil {
		return merged, nil, nil
	}

	out := make(map[string]interface{}, len(profile.Params)+len(explicit))
	for k, v := range profile.Params {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out, profile, nil
}

// activeProfile finds the active row symbol-scope first, then global.
func (s *Service) activeProfile(strategy, symbol string) (*Profile, error) {
	lookups := []struct{ scope, symbol string }{
		{ScopeSymbol, strings.ToUpper(strings.TrimSpace(symbol))},
		{ScopeGlobal, ""},
	}
	for _, l := range lookups {
		if l.scope == ScopeSymbol && l.symbol == "" {
			continue
		}
		row := s.db.QueryRow(`
			SELECT id, strategy_name, scope, symbol, strategy_params, objective_score,
			       validation_total_return, source_run_id, active, note, created_at
			FROM autotune_profiles
			WHERE strategy_name = ? AND scope = ? AND symbol = ? AND active = 1`,
			strategy, l.scope, l.symbol)
		p, err := scanProfile(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, nil
}

// Get returns one profile by id.
func (s *Service) Get(id int64) (Profile, error) {
	row := s.db.QueryRow(`
		SELECT id, strategy_name, scope, symbol, strategy_params, objective_score,
		       validation_total_return, source_run_id, active, note, created_at
		FROM autotune_profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, apperr.NotFound("profile %d not found", id)
	}
	return p, err
}

// List returns profiles for a strategy, newest first.
func (s *Service) List(strategy string) ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT id, strategy_name, scope, symbol, strategy_params, objective_score,
		       validation_total_return, source_run_id, active, note, created_at
		FROM autotune_profiles WHERE strategy_name = ? ORDER BY id DESC`, strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p          Profile
		paramsJSON string
		validation sql.NullFloat64
		active     int
		createdAt  string
	)
	err := row.Scan(&p.ID, &p.StrategyName, &p.Scope, &p.Symbol, &paramsJSON,
		&p.ObjectiveScore, &validation, &p.SourceRunID, &active, &p.Note, &createdAt)
	if err != nil {
		return Profile{}, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &p.Params); err != nil {
		return Profile{}, fmt.Errorf("failed to decode profile params: %w", err)
	}
	if validation.Valid {
		v := validation.Float64
		p.ValidationTotalReturn = &v
	}
	p.Active = active != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
