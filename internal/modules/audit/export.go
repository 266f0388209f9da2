package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ExportCSV writes up to limit events as CSV, prefixed by a one-line
// watermark header. The watermark comes from the caller's license check for
// the audit_events dataset.
func (s *Store) ExportCSV(w io.Writer, watermark string, limit int) (int, error) {
	events, err := s.exportRows(limit)
	if err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(w, "# %s\n", watermark); err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "event_time", "event_type", "action", "status", "payload_json"}); err != nil {
		return 0, err
	}
	for _, ev := range events {
		record := []string{
			strconv.FormatInt(ev.ID, 10),
			ev.EventTime,
			ev.EventType,
			ev.Action,
			ev.Status,
			ev.Payload,
		}
		if err := cw.Write(record); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(events), cw.Error()
}

// ExportJSONL writes up to limit events as JSON lines under the same
// watermark header.
func (s *Store) ExportJSONL(w io.Writer, watermark string, limit int) (int, error) {
	events, err := s.exportRows(limit)
	if err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(w, "# %s\n", watermark); err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for _, ev := range events {
		line := map[string]interface{}{
			"id":           ev.ID,
			"event_time":   ev.EventTime,
			"event_type":   ev.EventType,
			"action":       ev.Action,
			"status":       ev.Status,
			"payload_json": json.RawMessage(ev.Payload),
		}
		if err := enc.Encode(line); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

func (s *Store) exportRows(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Query(`
		SELECT id, event_time, event_type, action, status, payload, prev_hash, event_hash
		FROM audit_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events for export: %w", err)
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
	return events, rows.Err()
}
