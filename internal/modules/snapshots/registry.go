// Package snapshots records which content-hashed data ranges have been
// consumed downstream. Registration is an idempotent upsert on the full key.
package snapshots

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
)

// Snapshot is one registered data range.
type Snapshot struct {
	ID            int64
	DatasetName   string
	Symbol        string
	StartDate     time.Time
	EndDate       time.Time
	Provider      string
	RowCount      int
	SchemaVersion string
	ContentHash   string
	CreatedAt     time.Time
}

// Registry is the snapshot store.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRegistry creates the registry and ensures its schema.
func NewRegistry(db *sql.DB, log zerolog.Logger) (*Registry, error) {
	r := &Registry{db: db, log: log.With().Str("repository", "snapshots").Logger()}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_name   TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		start_date     TEXT NOT NULL,
		end_date       TEXT NOT NULL,
		provider       TEXT NOT NULL,
		row_count      INTEGER NOT NULL DEFAULT 0,
		schema_version TEXT NOT NULL DEFAULT '1',
		content_hash   TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		UNIQUE (dataset_name, symbol, start_date, end_date, provider, content_hash)
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create snapshot schema: %w", err)
	}
	return nil
}

// Register upserts a snapshot and returns its id. Registering the same range
// and hash twice returns the original row's id.
func (r *Registry) Register(snap Snapshot) (int64, error) {
	start := snap.StartDate.Format(domain.DateLayout)
	end := snap.EndDate.Format(domain.DateLayout)
	if snap.SchemaVersion == "" {
		snap.SchemaVersion = "1"
	}

	_, err := r.db.Exec(`
		INSERT INTO snapshots (dataset_name, symbol, start_date, end_date, provider, row_count, schema_version, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_name, symbol, start_date, end_date, provider, content_hash) DO UPDATE SET
			row_count = excluded.row_count`,
		snap.DatasetName, snap.Symbol, start, end, snap.Provider,
		snap.RowCount, snap.SchemaVersion, snap.ContentHash,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to register snapshot: %w", err)
	}

	var id int64
	err = r.db.QueryRow(`
		SELECT id FROM snapshots
		WHERE dataset_name = ? AND symbol = ? AND start_date = ? AND end_date = ? AND provider = ? AND content_hash = ?`,
		snap.DatasetName, snap.Symbol, start, end, snap.Provider, snap.ContentHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot id: %w", err)
	}
	return id, nil
}

// List returns registered snapshots for a dataset, newest first.
func (r *Registry) List(dataset string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, dataset_name, symbol, start_date, end_date, provider, row_count, schema_version, content_hash, created_at
		FROM snapshots WHERE dataset_name = ? ORDER BY id DESC LIMIT ?`, dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap                    Snapshot
			startStr, endStr, atStr string
		)
		if err := rows.Scan(&snap.ID, &snap.DatasetName, &snap.Symbol, &startStr, &endStr, &snap.Provider, &snap.RowCount, &snap.SchemaVersion, &snap.ContentHash, &atStr); err != nil {
			return nil, err
		}
		if snap.StartDate, err = domain.ParseDate(startStr); err != nil {
			return nil, err
		}
		if snap.EndDate, err = domain.ParseDate(endStr); err != nil {
			return nil, err
		}
		if snap.CreatedAt, err = time.Parse(time.RFC3339, atStr); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// HashBars computes the content hash of a bar frame: SHA-256 of a normalized
// CSV rendering with fixed column order and numeric formatting.
func HashBars(bars []domain.Bar) string {
	var sb strings.Builder
	sb.WriteString("trade_date,symbol,open,high,low,close,volume,amount,is_suspended,is_st\n")
	for _, b := range bars {
		sb.WriteString(b.TradeDate.Format(domain.DateLayout))
		sb.WriteByte(',')
		sb.WriteString(b.Symbol)
		for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount} {
			sb.WriteByte(',')
			sb.WriteString(formatCell(v))
		}
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatBool(b.IsSuspended))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatBool(b.IsST))
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
