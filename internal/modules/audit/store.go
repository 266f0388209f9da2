// Package audit implements the append-only hash-chained audit log.
//
// Every row's event_hash covers the previous row's hash plus the row's own
// fields, so any in-place mutation breaks verification from that row on.
// Payloads are canonicalized (RFC 8785 JCS) before hashing AND storing: the
// stored bytes are exactly the hashed bytes.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/database"
)

// Status values for audit events.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// timeLayout is the ISO-8601 string written to the row and fed to the hash.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Event is one audit log row.
type Event struct {
	ID        int64
	EventTime string // ISO-8601 UTC, exactly as stored
	EventType string
	Action    string
	Status    string
	Payload   string // canonical JSON, exactly as hashed
	PrevHash  string
	EventHash string
}

// Time parses the stored event time.
func (e Event) Time() (time.Time, error) {
	return time.Parse(timeLayout, e.EventTime)
}

// Store is the append-only audit store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repository", "audit").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_time TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action     TEXT NOT NULL,
		status     TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		prev_hash  TEXT NOT NULL DEFAULT '',
		event_hash TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (event_type, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Append writes one event under a write transaction: read the latest hash,
// chain, insert. Serialized per process by SQLite's writer lock.
func (s *Store) Append(eventType, action, status string, payload map[string]interface{}) (Event, error) {
	payloadJSON, err := canonicalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to serialize audit payload: %w", err)
	}

	eventTime := s.now().UTC().Format(timeLayout)

	var ev Event
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var prevHash string
		row := tx.QueryRow(`SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`)
		if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		eventHash := chainHash(prevHash, eventTime, eventType, action, status, payloadJSON)

		res, err := tx.Exec(`
			INSERT INTO audit_events (event_time, event_type, action, status, payload, prev_hash, event_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eventTime, eventType, action, status, payloadJSON, prevHash, eventHash)
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ev = Event{
			ID:        id,
			EventTime: eventTime,
			EventType: eventType,
			Action:    action,
			Status:    status,
			Payload:   payloadJSON,
			PrevHash:  prevHash,
			EventHash: eventHash,
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Log appends an event and swallows its own failure so audit logging never
// masks the primary error.
func (s *Store) Log(eventType, action, status string, payload map[string]interface{}) {
	if _, err := s.Append(eventType, action, status, payload); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Str("action", action).
			Msg("Failed to write audit event")
	}
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenID *int64 `json:"broken_id"`
	Checked  int    `json:"checked"`
}

// VerifyChain walks the first limit rows in ascending id order and recomputes
// every hash. Rows with an empty event_hash (pre-migration legacy) are
// skipped without advancing the accepted hash.
func (s *Store) VerifyChain(limit int) (VerifyResult, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Query(`
		SELECT id, event_time, event_type, action, status, payload, prev_hash, event_hash
		FROM audit_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to read audit chain: %w", err)
	}
	defer rows.Close()

	result := VerifyResult{Valid: true}
	acceptedHash := ""
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventTime, &ev.EventType, &ev.Action, &ev.Status, &ev.Payload, &ev.PrevHash, &ev.EventHash); err != nil {
			return VerifyResult{}, err
		}
		if ev.EventHash == "" {
			continue
		}
		expected := chainHash(acceptedHash, ev.EventTime, ev.EventType, ev.Action, ev.Status, ev.Payload)
		if ev.PrevHash != acceptedHash || ev.EventHash != expected {
			id := ev.ID
			result.Valid = false
			result.BrokenID = &id
			result.Checked++
			return result, rows.Err()
		}
		acceptedHash = ev.EventHash
		result.Checked++
	}
	return result, rows.Err()
}

// Latest returns the newest limit events in ascending id order.
func (s *Store) Latest(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, event_time, event_type, action, status, payload, prev_hash, event_hash
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventTime, &ev.EventType, &ev.Action, &ev.Status, &ev.Payload, &ev.PrevHash, &ev.EventHash); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first for chronological consumers.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Count returns the number of audit rows.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n, err
}

// chainHash computes SHA256(prev|time|type|action|status|payload) in hex.
func chainHash(prevHash, eventTime, eventType, action, status, payload string) string {
	h := sha256.New()
	h.Write([]byte(prevHash + "|" + eventTime + "|" + eventType + "|" + action + "|" + status + "|" + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload sanitizes non-finite floats to null, marshals, and
// canonicalizes with JCS so hashing is byte-stable across writers.
func canonicalPayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(sanitize(payload))
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(canonical)), nil
}

// sanitize replaces NaN and Infinity with null, recursively.
func sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return sanitize(float64(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sanitize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sanitize(val)
		}
		return out
	default:
		return v
	}
}
