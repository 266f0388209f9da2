package providers

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
)

// BarCache is the per-(provider, symbol) incremental bar cache backed by
// market_cache.db. Missing numeric cells round-trip as NULL.
type BarCache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBarCache creates the cache and ensures its schema.
func NewBarCache(db *sql.DB, log zerolog.Logger) (*BarCache, error) {
	c := &BarCache{db: db, log: log.With().Str("repository", "bar_cache").Logger()}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *BarCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_bars (
		provider     TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		trade_date   TEXT NOT NULL,
		open         REAL,
		high         REAL,
		low          REAL,
		close        REAL,
		volume       REAL,
		amount       REAL,
		is_suspended INTEGER NOT NULL DEFAULT 0,
		is_st        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, symbol, trade_date)
	);
	CREATE TABLE IF NOT EXISTS intraday_bars (
		provider   TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		interval   TEXT NOT NULL,
		bar_time   TEXT NOT NULL,
		open       REAL,
		high       REAL,
		low        REAL,
		close      REAL,
		volume     REAL,
		amount     REAL,
		PRIMARY KEY (provider, symbol, interval, bar_time)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create bar cache schema: %w", err)
	}
	return nil
}

// Coverage returns the cached date range and row count for (provider, symbol).
// ok is false when the cache holds no rows.
func (c *BarCache) Coverage(provider, symbol string) (minDate, maxDate time.Time, count int, ok bool, err error) {
	var minStr, maxStr sql.NullString
	row := c.db.QueryRow(`
		SELECT MIN(trade_date), MAX(trade_date), COUNT(*)
		FROM daily_bars WHERE provider = ? AND symbol = ?`,
		provider, symbol)
	if err = row.Scan(&minStr, &maxStr, &count); err != nil {
		return time.Time{}, time.Time{}, 0, false, fmt.Errorf("failed to read cache coverage: %w", err)
	}
	if count == 0 || !minStr.Valid || !maxStr.Valid {
		return time.Time{}, time.Time{}, 0, false, nil
	}
	if minDate, err = domain.ParseDate(minStr.String); err != nil {
		return time.Time{}, time.Time{}, 0, false, err
	}
	if maxDate, err = domain.ParseDate(maxStr.String); err != nil {
		return time.Time{}, time.Time{}, 0, false, err
	}
	return minDate, maxDate, count, true, nil
}

// CachedDates returns the set of cached trade dates in [start, end].
func (c *BarCache) CachedDates(provider, symbol string, start, end time.Time) (map[string]bool, error) {
	rows, err := c.db.Query(`
		SELECT trade_date FROM daily_bars
		WHERE provider = ? AND symbol = ? AND trade_date >= ? AND trade_date <= ?`,
		provider, symbol, start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates[d] = true
	}
	return dates, rows.Err()
}

// UpsertDailyBars inserts or replaces bars for a provider.
func (c *BarCache) UpsertDailyBars(provider string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache upsert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO daily_bars
			(provider, symbol, trade_date, open, high, low, close, volume, amount, is_suspended, is_st)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, symbol, trade_date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, amount = excluded.amount,
			is_suspended = excluded.is_suspended, is_st = excluded.is_st`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.Exec(
			provider, b.Symbol, b.TradeDate.Format(domain.DateLayout),
			nullFloat(b.Open), nullFloat(b.High), nullFloat(b.Low), nullFloat(b.Close),
			nullFloat(b.Volume), nullFloat(b.Amount),
			boolInt(b.IsSuspended), boolInt(b.IsST),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert bar %s %s: %w", b.Symbol, b.TradeDate.Format(domain.DateLayout), err)
		}
	}
	return tx.Commit()
}

// SliceDaily reads the cached bars in [start, end] sorted ascending.
func (c *BarCache) SliceDaily(provider, symbol string, start, end time.Time) ([]domain.Bar, error) {
	rows, err := c.db.Query(`
		SELECT symbol, trade_date, open, high, low, close, volume, amount, is_suspended, is_st
		FROM daily_bars
		WHERE provider = ? AND symbol = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC`,
		provider, symbol, start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b                         domain.Bar
			dateStr                   string
			o, h, l, cl, vol, amt     sql.NullFloat64
			suspended, st             int
		)
		if err := rows.Scan(&b.Symbol, &dateStr, &o, &h, &l, &cl, &vol, &amt, &suspended, &st); err != nil {
			return nil, err
		}
		if b.TradeDate, err = domain.ParseDate(dateStr); err != nil {
			return nil, err
		}
		b.Open, b.High, b.Low, b.Close = floatOrNaN(o), floatOrNaN(h), floatOrNaN(l), floatOrNaN(cl)
		b.Volume, b.Amount = floatOrNaN(vol), floatOrNaN(amt)
		b.IsSuspended, b.IsST = suspended != 0, st != 0
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// IntradayCoverage reports whether the cache fully covers [start, end] for
// (provider, symbol, interval).
func (c *BarCache) IntradayCoverage(provider, symbol string, interval domain.IntradayInterval, start, end time.Time) (bool, error) {
	var minStr, maxStr sql.NullString
	var count int
	row := c.db.QueryRow(`
		SELECT MIN(bar_time), MAX(bar_time), COUNT(*)
		FROM intraday_bars WHERE provider = ? AND symbol = ? AND interval = ?`,
		provider, symbol, string(interval))
	if err := row.Scan(&minStr, &maxStr, &count); err != nil {
		return false, fmt.Errorf("failed to read intraday coverage: %w", err)
	}
	if count == 0 || !minStr.Valid || !maxStr.Valid {
		return false, nil
	}
	minT, err := time.Parse(time.RFC3339, minStr.String)
	if err != nil {
		return false, err
	}
	maxT, err := time.Parse(time.RFC3339, maxStr.String)
	if err != nil {
		return false, err
	}
	return !minT.After(start) && !maxT.Before(end), nil
}

// UpsertIntradayBars inserts or replaces intraday bars for a provider.
func (c *BarCache) UpsertIntradayBars(provider string, bars []domain.IntradayBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin intraday upsert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO intraday_bars
			(provider, symbol, interval, bar_time, open, high, low, close, volume, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, symbol, interval, bar_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, amount = excluded.amount`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare intraday upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.Exec(
			provider, b.Symbol, string(b.Interval), b.BarTime.UTC().Format(time.RFC3339),
			nullFloat(b.Open), nullFloat(b.High), nullFloat(b.Low), nullFloat(b.Close),
			nullFloat(b.Volume), nullFloat(b.Amount),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert intraday bar: %w", err)
		}
	}
	return tx.Commit()
}

// SliceIntraday reads cached intraday bars in [start, end] sorted ascending.
func (c *BarCache) SliceIntraday(provider, symbol string, interval domain.IntradayInterval, start, end time.Time) ([]domain.IntradayBar, error) {
	rows, err := c.db.Query(`
		SELECT symbol, bar_time, open, high, low, close, volume, amount
		FROM intraday_bars
		WHERE provider = ? AND symbol = ? AND interval = ? AND bar_time >= ? AND bar_time <= ?
		ORDER BY bar_time ASC`,
		provider, symbol, string(interval),
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to read intraday bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.IntradayBar
	for rows.Next() {
		var (
			b                     domain.IntradayBar
			timeStr               string
			o, h, l, cl, vol, amt sql.NullFloat64
		)
		if err := rows.Scan(&b.Symbol, &timeStr, &o, &h, &l, &cl, &vol, &amt); err != nil {
			return nil, err
		}
		if b.BarTime, err = time.Parse(time.RFC3339, timeStr); err != nil {
			return nil, err
		}
		b.Interval = interval
		b.Open, b.High, b.Low, b.Close = floatOrNaN(o), floatOrNaN(h), floatOrNaN(l), floatOrNaN(cl)
		b.Volume, b.Amount = floatOrNaN(vol), floatOrNaN(amt)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func nullFloat(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
