// Package license matches datasets to active data licenses and enforces
// usage scope, export permission, and export row caps.
package license

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FallbackWatermark stamps exports when no license supplies one. Returned
// even on denial so callers can watermark partial artifacts.
const FallbackWatermark = "For Research Only"

// Denial reasons, stable strings consumed by audit payloads and tests.
const (
	ReasonNoActiveLicense      = "no_active_license"
	ReasonUsageScopeNotAllowed = "usage_scope_not_allowed"
	ReasonExportNotAllowed     = "export_not_allowed"
	ReasonExportRowsExceeded   = "export_rows_exceeded"
)

// License is one stored data license.
type License struct {
	ID            int64
	DatasetName   string
	Provider      string
	UsageScopes   []string
	AllowExport   bool
	MaxExportRows *int64
	Watermark     string
	ValidFrom     time.Time
	ValidTo       *time.Time
}

// Decision is the outcome of a license check. Watermark is always set.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Watermark string `json:"watermark"`
	LicenseID *int64 `json:"license_id,omitempty"`
}

// Service stores licenses and answers checks.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewService creates the license service and ensures its schema.
func NewService(db *sql.DB, log zerolog.Logger) (*Service, error) {
	s := &Service{db: db, log: log.With().Str("component", "license").Logger()}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_name    TEXT NOT NULL,
		provider        TEXT NOT NULL,
		usage_scopes    TEXT NOT NULL DEFAULT '',
		allow_export    INTEGER NOT NULL DEFAULT 0,
		max_export_rows INTEGER,
		watermark       TEXT NOT NULL DEFAULT '',
		valid_from      TEXT NOT NULL,
		valid_to        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_dataset ON licenses (dataset_name, provider, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create license schema: %w", err)
	}
	return nil
}

// Save inserts a license and returns its id.
func (s *Service) Save(lic License) (int64, error) {
	var validTo interface{}
	if lic.ValidTo != nil {
		validTo = lic.ValidTo.UTC().Format(time.RFC3339)
	}
	var maxRows interface{}
	if lic.MaxExportRows != nil {
		maxRows = *lic.MaxExportRows
	}
	res, err := s.db.Exec(`
		INSERT INTO licenses (dataset_name, provider, usage_scopes, allow_export, max_export_rows, watermark, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.DatasetName, lic.Provider, strings.Join(lic.UsageScopes, ","),
		boolInt(lic.AllowExport), maxRows, lic.Watermark,
		lic.ValidFrom.UTC().Format(time.RFC3339), validTo)
	if err != nil {
		return 0, fmt.Errorf("failed to save license: %w", err)
	}
	return res.LastInsertId()
}

// List returns all stored licenses, newest first.
func (s *Service) List() ([]License, error) {
	rows, err := s.db.Query(`
		SELECT id, dataset_name, provider, usage_scopes, allow_export, max_export_rows, watermark, valid_from, valid_to
		FROM licenses ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

// Check selects the newest license active for (dataset, provider, asOf) and
// applies the decision ladder: scope, export permission, row cap.
func (s *Service) Check(dataset, provider, usage string, exportRequested bool, expectedRows int64, asOf time.Time) (Decision, error) {
	lic, found, err := s.activeLicense(dataset, provider, asOf)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Allowed: false, Reason: ReasonNoActiveLicense, Watermark: FallbackWatermark}, nil
	}

	decision := Decision{Watermark: lic.Watermark, LicenseID: &lic.ID}
	if decision.Watermark == "" {
		decision.Watermark = FallbackWatermark
	}

	if usage != "" && !containsScope(lic.UsageScopes, usage) {
		decision.Reason = ReasonUsageScopeNotAllowed
		return decision, nil
	}
	if exportRequested && !lic.AllowExport {
		decision.Reason = ReasonExportNotAllowed
		return decision, nil
	}
	if exportRequested && lic.MaxExportRows != nil && expectedRows > *lic.MaxExportRows {
		decision.Reason = ReasonExportRowsExceeded
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// activeLicense picks the newest id among licenses whose validity window
// covers asOf.
func (s *Service) activeLicense(dataset, provider string, asOf time.Time) (License, bool, error) {
	asOfStr := asOf.UTC().Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, dataset_name, provider, usage_scopes, allow_export, max_export_rows, watermark, valid_from, valid_to
		FROM licenses
		WHERE dataset_name = ? AND provider = ?
		  AND valid_from <= ?
		  AND (valid_to IS NULL OR valid_to >= ?)
		ORDER BY id DESC LIMIT 1`,
		dataset, provider, asOfStr, asOfStr)
	if err != nil {
		return License{}, false, fmt.Errorf("failed to query active license: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return License{}, false, rows.Err()
	}
	lic, err := scanLicense(rows)
	if err != nil {
		return License{}, false, err
	}
	return lic, true, nil
}

func scanLicense(rows *sql.Rows) (License, error) {
	var (
		lic       License
		scopes    string
		allow     int
		maxRows   sql.NullInt64
		validFrom string
		validTo   sql.NullString
	)
	if err := rows.Scan(&lic.ID, &lic.DatasetName, &lic.Provider, &scopes, &allow, &maxRows, &lic.Watermark, &validFrom, &validTo); err != nil {
		return License{}, err
	}
	lic.AllowExport = allow != 0
	if scopes != "" {
		for _, sc := range strings.Split(scopes, ",") {
			if sc = strings.TrimSpace(sc); sc != "" {
				lic.UsageScopes = append(lic.UsageScopes, sc)
			}
		}
	}
	if maxRows.Valid {
		v := maxRows.Int64
		lic.MaxExportRows = &v
	}
	from, err := time.Parse(time.RFC3339, validFrom)
	if err != nil {
		return License{}, err
	}
	lic.ValidFrom = from
	if validTo.Valid {
		to, err := time.Parse(time.RFC3339, validTo.String)
		if err != nil {
			return License{}, err
		}
		lic.ValidTo = &to
	}
	return lic, nil
}

func containsScope(scopes []string, usage string) bool {
	for _, s := range scopes {
		if strings.EqualFold(s, usage) {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
