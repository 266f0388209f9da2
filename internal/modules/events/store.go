// Package events ingests corporate events, builds time-decayed event
// features, and validates event joins against point-in-time rules.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
)

// Store persists corporate events and event sources.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates the event store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: log.With().Str("repository", "events").Logger()}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		source_name    TEXT NOT NULL,
		event_id       TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		publish_time   TEXT NOT NULL,
		effective_time TEXT,
		polarity       TEXT NOT NULL DEFAULT 'NEUTRAL',
		score          REAL NOT NULL DEFAULT 0,
		confidence     REAL NOT NULL DEFAULT 0,
		title          TEXT NOT NULL DEFAULT '',
		summary        TEXT NOT NULL DEFAULT '',
		raw_ref        TEXT NOT NULL DEFAULT '',
		tags           TEXT NOT NULL DEFAULT '[]',
		metadata       TEXT NOT NULL DEFAULT '{}',
		UNIQUE (source_name, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_symbol_publish ON events (symbol, publish_time DESC);
	CREATE TABLE IF NOT EXISTS event_sources (
		source_name           TEXT PRIMARY KEY,
		type                  TEXT NOT NULL DEFAULT '',
		provider              TEXT NOT NULL DEFAULT '',
		timezone              TEXT NOT NULL DEFAULT 'Asia/Shanghai',
		ingestion_lag_minutes INTEGER NOT NULL DEFAULT 0,
		reliability_score     REAL NOT NULL DEFAULT 1.0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create event schema: %w", err)
	}
	return nil
}

// Upsert inserts the event or updates its mutable fields when the
// (source_name, event_id) key already exists. Returns true when inserted.
func (s *Store) Upsert(ev domain.CorporateEvent) (bool, error) {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal tags: %w", err)
	}
	if ev.Tags == nil {
		tags = []byte("[]")
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if ev.Metadata == nil {
		metadata = []byte("{}")
	}
	var effective interface{}
	if ev.EffectiveTime != nil {
		effective = ev.EffectiveTime.UTC().Format(time.RFC3339)
	}

	var exists int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE source_name = ? AND event_id = ?`,
		ev.SourceName, ev.EventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event existence: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (source_name, event_id, symbol, event_type, publish_time, effective_time,
			polarity, score, confidence, title, summary, raw_ref, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_name, event_id) DO UPDATE SET
			symbol = excluded.symbol,
			event_type = excluded.event_type,
			publish_time = excluded.publish_time,
			effective_time = excluded.effective_time,
			polarity = excluded.polarity,
			score = excluded.score,
			confidence = excluded.confidence,
			title = excluded.title,
			summary = excluded.summary,
			raw_ref = excluded.raw_ref,
			tags = excluded.tags,
			metadata = excluded.metadata`,
		ev.SourceName, ev.EventID, ev.Symbol, ev.EventType,
		ev.PublishTime.UTC().Format(time.RFC3339), effective,
		string(ev.Polarity), ev.Score, ev.Confidence,
		ev.Title, ev.Summary, ev.RawRef, string(tags), string(metadata))
	if err != nil {
		return false, fmt.Errorf("failed to upsert event %s/%s: %w", ev.SourceName, ev.EventID, err)
	}
	return exists == 0, nil
}

// BySymbolWindow returns events for a symbol with publish_time in
// (after, until], newest first.
func (s *Store) BySymbolWindow(symbol string, after, until time.Time) ([]domain.CorporateEvent, error) {
	rows, err := s.db.Query(`
		SELECT source_name, event_id, symbol, event_type, publish_time, effective_time,
			polarity, score, confidence, title, summary, raw_ref, tags, metadata
		FROM events
		WHERE symbol = ? AND publish_time > ? AND publish_time <= ?
		ORDER BY publish_time DESC`,
		symbol, after.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// BySymbol returns the newest limit events for a symbol.
func (s *Store) BySymbol(symbol string, limit int) ([]domain.CorporateEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT source_name, event_id, symbol, event_type, publish_time, effective_time,
			polarity, score, confidence, title, summary, raw_ref, tags, metadata
		FROM events WHERE symbol = ? ORDER BY publish_time DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Resolve finds an event by (source, id), or by id alone using the symbol as
// a tiebreak when several sources share the id.
func (s *Store) Resolve(sourceName, eventID, symbol string) (domain.CorporateEvent, bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sourceName != "" {
		rows, err = s.db.Query(`
			SELECT source_name, event_id, symbol, event_type, publish_time, effective_time,
				polarity, score, confidence, title, summary, raw_ref, tags, metadata
			FROM events WHERE source_name = ? AND event_id = ?`, sourceName, eventID)
	} else {
		rows, err = s.db.Query(`
			SELECT source_name, event_id, symbol, event_type, publish_time, effective_time,
				polarity, score, confidence, title, summary, raw_ref, tags, metadata
			FROM events WHERE event_id = ?`, eventID)
	}
	if err != nil {
		return domain.CorporateEvent{}, false, fmt.Errorf("failed to resolve event: %w", err)
	}
	defer rows.Close()

	matches, err := scanEvents(rows)
	if err != nil {
		return domain.CorporateEvent{}, false, err
	}
	switch len(matches) {
	case 0:
		return domain.CorporateEvent{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		for _, m := range matches {
			if m.Symbol == symbol {
				return m, true, nil
			}
		}
		return matches[0], true, nil
	}
}

// SaveSource upserts an event source registration.
func (s *Store) SaveSource(src domain.EventSource) error {
	_, err := s.db.Exec(`
		INSERT INTO event_sources (source_name, type, provider, timezone, ingestion_lag_minutes, reliability_score)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_name) DO UPDATE SET
			type = excluded.type, provider = excluded.provider, timezone = excluded.timezone,
			ingestion_lag_minutes = excluded.ingestion_lag_minutes,
			reliability_score = excluded.reliability_score`,
		src.SourceName, src.Type, src.Provider, src.Timezone, src.IngestionLagMinutes, src.ReliabilityScore)
	if err != nil {
		return fmt.Errorf("failed to save event source: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]domain.CorporateEvent, error) {
	var out []domain.CorporateEvent
	for rows.Next() {
		var (
			ev                  domain.CorporateEvent
			publishStr          string
			effectiveStr        sql.NullString
			polarity, tags, md  string
		)
		if err := rows.Scan(&ev.SourceName, &ev.EventID, &ev.Symbol, &ev.EventType,
			&publishStr, &effectiveStr, &polarity, &ev.Score, &ev.Confidence,
			&ev.Title, &ev.Summary, &ev.RawRef, &tags, &md); err != nil {
			return nil, err
		}
		publish, err := time.Parse(time.RFC3339, publishStr)
		if err != nil {
			return nil, err
		}
		ev.PublishTime = publish
		if effectiveStr.Valid {
			eff, err := time.Parse(time.RFC3339, effectiveStr.String)
			if err != nil {
				return nil, err
			}
			ev.EffectiveTime = &eff
		}
		ev.Polarity = domain.EventPolarity(polarity)
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(md), &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
