// Package holdings tracks positions and cash. Available quantity lags total
// quantity by one settlement day (T+1): shares bought today cannot be sold
// until the next session.
package holdings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/modules/risk"
)

// Position is one holding row.
type Position struct {
	Symbol            string   `json:"symbol"`
	Quantity          float64  `json:"quantity"`
	AvailableQuantity float64  `json:"available_quantity"`
	AvgCost           float64  `json:"avg_cost"`
	Industry          string   `json:"industry"`
	Themes            []string `json:"themes"`
	UpdatedAt         string   `json:"updated_at"`
}

// Account carries the cash balance.
type Account struct {
	Cash      float64 `json:"cash"`
	UpdatedAt string  `json:"updated_at"`
}

// Store persists positions and the cash account.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the holdings store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repository", "holdings").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		symbol             TEXT PRIMARY KEY,
		quantity           REAL NOT NULL DEFAULT 0,
		available_quantity REAL NOT NULL DEFAULT 0,
		avg_cost           REAL NOT NULL DEFAULT 0,
		industry           TEXT NOT NULL DEFAULT '',
		themes             TEXT NOT NULL DEFAULT '[]',
		updated_at         TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS account (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		cash       REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create holdings schema: %w", err)
	}
	return nil
}

// UpsertPosition writes one position row.
func (s *Store) UpsertPosition(p Position) error {
	if p.Symbol == "" {
		return apperr.Validation("symbol is required")
	}
	themes, err := json.Marshal(p.Themes)
	if err != nil {
		return fmt.Errorf("failed to encode themes: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO positions (symbol, quantity, available_quantity, avg_cost, industry, themes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity = excluded.quantity,
			available_quantity = excluded.available_quantity,
			avg_cost = excluded.avg_cost,
			industry = excluded.industry,
			themes = excluded.themes,
			updated_at = excluded.updated_at`,
		p.Symbol, p.Quantity, p.AvailableQuantity, p.AvgCost, p.Industry,
		string(themes), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// Get returns one position, or NotFound.
func (s *Store) Get(symbol string) (Position, error) {
	row := s.db.QueryRow(`
		SELECT symbol, quantity, available_quantity, avg_cost, industry, themes, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, apperr.NotFound("position %s not found", symbol)
	}
	return p, err
}

// List returns all positions.
func (s *Store) List() ([]Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, quantity, available_quantity, avg_cost, industry, themes, updated_at
		FROM positions ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetCash sets the account cash balance.
func (s *Store) SetCash(cash float64) error {
	_, err := s.db.Exec(`
		INSERT INTO account (id, cash, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET cash = excluded.cash, updated_at = excluded.updated_at`,
		cash, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set cash: %w", err)
	}
	return nil
}

// Cash returns the account cash balance, zero when never set.
func (s *Store) Cash() (float64, error) {
	var cash float64
	err := s.db.QueryRow(`SELECT cash FROM account WHERE id = 1`).Scan(&cash)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cash, err
}

// SettleAvailable promotes all bought quantity to available. Run once at the
// start of each trading day.
func (s *Store) SettleAvailable() error {
	_, err := s.db.Exec(`
		UPDATE positions SET available_quantity = quantity, updated_at = ?`,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to settle available quantities: %w", err)
	}
	return nil
}

// PortfolioSnapshot builds the risk engine's view of current exposures.
// Weights use avg cost as the valuation basis; dailyReturns and drawdown are
// supplied by the caller from the equity series.
func (s *Store) PortfolioSnapshot(dailyReturns []float64, drawdown float64) (risk.PortfolioSnapshot, error) {
	positions, err := s.List()
	if err != nil {
		return risk.PortfolioSnapshot{}, err
	}
	cash, err := s.Cash()
	if err != nil {
		return risk.PortfolioSnapshot{}, err
	}

	total := cash
	for _, p := range positions {
		total += p.Quantity * p.AvgCost
	}

	snap := risk.PortfolioSnapshot{
		IndustryWeights: make(map[string]float64),
		ThemeWeights:    make(map[string]float64),
		DailyReturns:    dailyReturns,
		CurrentDrawdown: drawdown,
	}
	if total <= 0 {
		return snap, nil
	}
	for _, p := range positions {
		weight := p.Quantity * p.AvgCost / total
		if p.Industry != "" {
			snap.IndustryWeights[p.Industry] += weight
		}
		for _, theme := range p.Themes {
			snap.ThemeWeights[theme] += weight
		}
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		p      Position
		themes string
	)
	if err := row.Scan(&p.Symbol, &p.Quantity, &p.AvailableQuantity, &p.AvgCost,
		&p.Industry, &themes, &p.UpdatedAt); err != nil {
		return Position{}, err
	}
	if err := json.Unmarshal([]byte(themes), &p.Themes); err != nil {
		p.Themes = nil
	}
	return p, nil
}
