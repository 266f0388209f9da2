// Package replay records signal decisions and their executions so that
// follow-through can be measured after the fact.
package replay

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

// SignalRecord is one recorded decision.
type SignalRecord struct {
	SignalID          string   `json:"signal_id"`
	Symbol            string   `json:"symbol"`
	StrategyName      string   `json:"strategy_name"`
	TradeDate         string   `json:"trade_date"`
	Action            string   `json:"action"`
	Confidence        float64  `json:"confidence"`
	Reason            string   `json:"reason"`
	SuggestedPosition *float64 `json:"suggested_position,omitempty"`
}

// ExecutionRecord links a real fill back to a signal. A signal may have
// zero or more executions.
type ExecutionRecord struct {
	SignalID      string  `json:"signal_id"`
	Symbol        string  `json:"symbol"`
	ExecutionDate string  `json:"execution_date"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	Fee           float64 `json:"fee"`
	Note          string  `json:"note"`
}

// FollowStats summarizes how faithfully signals were acted on.
type FollowStats struct {
	StrategyName    string  `json:"strategy_name"`
	WindowDays      int     `json:"window_days"`
	TotalSignals    int     `json:"total_signals"`
	FollowedSignals int     `json:"followed_signals"`
	FollowRate      float64 `json:"follow_rate"`
	MeanSlippageBps float64 `json:"mean_slippage_bps"`
	MeanDelayDays   float64 `json:"mean_delay_days"`
}

// Store persists signal and execution records.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the replay store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repository", "replay").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signal_records (
		signal_id          TEXT PRIMARY KEY,
		symbol             TEXT NOT NULL,
		strategy_name      TEXT NOT NULL,
		trade_date         TEXT NOT NULL,
		action             TEXT NOT NULL,
		confidence         REAL NOT NULL DEFAULT 0,
		reason             TEXT NOT NULL DEFAULT '',
		suggested_position REAL,
		ref_close          REAL,
		created_at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signal_records_strategy_date
		ON signal_records (strategy_name, trade_date DESC);
	CREATE TABLE IF NOT EXISTS execution_records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id      TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		execution_date TEXT NOT NULL,
		side           TEXT NOT NULL,
		quantity       REAL NOT NULL DEFAULT 0,
		price          REAL NOT NULL DEFAULT 0,
		fee            REAL NOT NULL DEFAULT 0,
		note           TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_execution_records_signal
		ON execution_records (signal_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create replay schema: %w", err)
	}
	return nil
}

// RecordSignal stores one decision. A missing signal id gets a fresh uuid hex.
// refClose is the bar close the signal was generated against; it anchors the
// slippage calculation later.
func (s *Store) RecordSignal(rec SignalRecord, refClose float64) (string, error) {
	if rec.Symbol == "" || rec.StrategyName == "" {
		return "", apperr.Validation("symbol and strategy name are required")
	}
	if rec.SignalID == "" {
		rec.SignalID = uuid.New().String()
	}
	var suggested interface{}
	if rec.SuggestedPosition != nil {
		suggested = *rec.SuggestedPosition
	}
	var ref interface{}
	if refClose > 0 {
		ref = refClose
	}
	_, err := s.db.Exec(`
		INSERT INTO signal_records
			(signal_id, symbol, strategy_name, trade_date, action, confidence, reason,
			 suggested_position, ref_close, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SignalID, rec.Symbol, rec.StrategyName, rec.TradeDate, rec.Action,
		rec.Confidence, rec.Reason, suggested, ref,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to record signal: %w", err)
	}
	return rec.SignalID, nil
}

// RecordExecution links a fill to an existing signal.
func (s *Store) RecordExecution(rec ExecutionRecord) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM signal_records WHERE signal_id = ?`, rec.SignalID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("signal %s not found", rec.SignalID)
	}
	_, err := s.db.Exec(`
		INSERT INTO execution_records (signal_id, symbol, execution_date, side, quantity, price, fee, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SignalID, rec.Symbol, rec.ExecutionDate, rec.Side, rec.Quantity, rec.Price, rec.Fee, rec.Note)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Signals lists recent signals for a strategy, newest first.
func (s *Store) Signals(strategy string, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT signal_id, symbol, strategy_name, trade_date, action, confidence, reason, suggested_position
		FROM signal_records WHERE strategy_name = ?
		ORDER BY trade_date DESC, created_at DESC LIMIT ?`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var (
			rec       SignalRecord
			suggested sql.NullFloat64
		)
		if err := rows.Scan(&rec.SignalID, &rec.Symbol, &rec.StrategyName, &rec.TradeDate,
			&rec.Action, &rec.Confidence, &rec.Reason, &suggested); err != nil {
			return nil, err
		}
		if suggested.Valid {
			v := suggested.Float64
			rec.SuggestedPosition = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ComputeFollowStats measures follow rate, mean slippage, and mean delay over
// signals inside (asOf - windowDays, asOf]. Slippage compares the first
// execution's price against the signal's reference close; delay counts
// calendar days between trade date and first execution.
func (s *Store) ComputeFollowStats(strategy string, windowDays int, asOf time.Time) (FollowStats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := domain.DateOf(asOf).AddDate(0, 0, -windowDays).Format(domain.DateLayout)
	until := domain.DateOf(asOf).Format(domain.DateLayout)

	rows, err := s.db.Query(`
		SELECT sr.signal_id, sr.trade_date, sr.ref_close,
		       e.execution_date, e.price
		FROM signal_records sr
		LEFT JOIN execution_records e ON e.id = (
			SELECT id FROM execution_records
			WHERE signal_id = sr.signal_id
			ORDER BY execution_date ASC, id ASC LIMIT 1
		)
		WHERE sr.strategy_name = ? AND sr.trade_date > ? AND sr.trade_date <= ?`,
		strategy, since, until)
	if err != nil {
		return FollowStats{}, fmt.Errorf("failed to compute follow stats: %w", err)
	}
	defer rows.Close()

	stats := FollowStats{StrategyName: strategy, WindowDays: windowDays}
	var (
		slippageSum float64
		slippageN   int
		delaySum    float64
		delayN      int
	)
	for rows.Next() {
		var (
			signalID, tradeDate string
			refClose            sql.NullFloat64
			execDate            sql.NullString
			execPrice           sql.NullFloat64
		)
		if err := rows.Scan(&signalID, &tradeDate, &refClose, &execDate, &execPrice); err != nil {
			return FollowStats{}, err
		}
		stats.TotalSignals++
		if !execDate.Valid {
			continue
		}
		stats.FollowedSignals++

		if refClose.Valid && refClose.Float64 > 0 && execPrice.Valid {
			slippageSum += (execPrice.Float64 - refClose.Float64) / refClose.Float64 * 10000
			slippageN++
		}
		signalDay, err1 := domain.ParseDate(tradeDate)
		execDay, err2 := domain.ParseDate(execDate.String)
		if err1 == nil && err2 == nil {
			delaySum += execDay.Sub(signalDay).Hours() / 24
			delayN++
		}
	}
	if err := rows.Err(); err != nil {
		return FollowStats{}, err
	}

	if stats.TotalSignals > 0 {
		stats.FollowRate = float64(stats.FollowedSignals) / float64(stats.TotalSignals)
	}
	if slippageN > 0 {
		stats.MeanSlippageBps = slippageSum / float64(slippageN)
	}
	if delayN > 0 {
		stats.MeanDelayDays = delaySum / float64(delayN)
	}
	return stats, nil
}
