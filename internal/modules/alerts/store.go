// Package alerts turns audit events into subscriber notifications and
// dispatches them over the configured channels.
package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

// Channels.
const (
	ChannelInbox     = "inbox"
	ChannelEmail     = "email"
	ChannelIM        = "im"
	ChannelDingtalk  = "dingtalk"
	ChannelWecom     = "wecom"
	ChannelPagerduty = "pagerduty"
	ChannelOncall    = "oncall"
)

// Delivery statuses.
const (
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
	DeliverySkipped = "SKIPPED"
)

// Stage is one step in an oncall escalation chain.
type Stage struct {
	LevelThreshold int      `json:"level_threshold"`
	Channel        string   `json:"channel"`
	Targets        []string `json:"targets"`
	Note           string   `json:"note,omitempty"`
}

// Subscription selects which alerts a subscriber receives and how.
type Subscription struct {
	ID              int64                  `json:"id"`
	Name            string                 `json:"name"`
	Owner           string                 `json:"owner"`
	EventTypes      []string               `json:"event_types"`
	MinSeverity     domain.Severity        `json:"min_severity"`
	DedupeWindowSec int                    `json:"dedupe_window_sec"`
	Enabled         bool                   `json:"enabled"`
	Channel         string                 `json:"channel"`
	ChannelConfig   map[string]interface{} `json:"channel_config"`
	EscalationChain []Stage                `json:"escalation_chain"`
	RunbookURL      string                 `json:"runbook_url,omitempty"`
}

// Notification is one matched alert for one subscription.
type Notification struct {
	ID             int64           `json:"id"`
	SubscriptionID int64           `json:"subscription_id"`
	EventID        int64           `json:"event_id"`
	CreatedAt      string          `json:"created_at"`
	Severity       domain.Severity `json:"severity"`
	Source         string          `json:"source"`
	Message        string          `json:"message"`
	Payload        string          `json:"payload"`
	Acked          bool            `json:"acked"`
	AckedAt        *string         `json:"acked_at,omitempty"`
	DedupeKey      string          `json:"dedupe_key"`
}

// Delivery is one dispatch attempt for a notification.
type Delivery struct {
	ID             int64  `json:"id"`
	NotificationID int64  `json:"notification_id"`
	SubscriptionID int64  `json:"subscription_id"`
	Channel        string `json:"channel"`
	Target         string `json:"target"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Payload        string `json:"payload,omitempty"`
}

// Store persists subscriptions, notifications, and deliveries.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the alert store and ensures its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
		now: time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		name              TEXT NOT NULL,
		owner             TEXT NOT NULL DEFAULT '',
		event_types       TEXT NOT NULL DEFAULT '[]',
		min_severity      TEXT NOT NULL DEFAULT 'WARNING',
		dedupe_window_sec INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1,
		channel           TEXT NOT NULL DEFAULT 'inbox',
		channel_config    TEXT NOT NULL DEFAULT '{}',
		escalation_chain  TEXT NOT NULL DEFAULT '[]',
		runbook_url       TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS notifications (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id INTEGER NOT NULL,
		event_id        INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		severity        TEXT NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		message         TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL DEFAULT '{}',
		acked           INTEGER NOT NULL DEFAULT 0,
		acked_at        TEXT,
		dedupe_key      TEXT NOT NULL DEFAULT '',
		UNIQUE (subscription_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_dedupe
		ON notifications (subscription_id, dedupe_key, created_at DESC);
	CREATE TABLE IF NOT EXISTS deliveries (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		notification_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		channel         TEXT NOT NULL,
		target          TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		error_message   TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_notification
		ON deliveries (notification_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create alert schema: %w", err)
	}
	return nil
}

// SaveSubscription inserts or updates a subscription; zero ID inserts.
func (s *Store) SaveSubscription(sub Subscription) (Subscription, error) {
	if sub.Name == "" {
		return Subscription{}, apperr.Validation("subscription name is required")
	}
	if sub.Channel == "" {
		sub.Channel = ChannelInbox
	}
	if sub.MinSeverity == "" {
		sub.MinSeverity = domain.SeverityWarning
	}
	eventTypes, _ := json.Marshal(orEmptyStrings(sub.EventTypes))
	channelConfig, _ := json.Marshal(orEmptyMap(sub.ChannelConfig))
	chain, _ := json.Marshal(orEmptyStages(sub.EscalationChain))

	if sub.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO subscriptions
				(name, owner, event_types, min_severity, dedupe_window_sec, enabled,
				 channel, channel_config, escalation_chain, runbook_url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.Name, sub.Owner, string(eventTypes), string(sub.MinSeverity),
			sub.DedupeWindowSec, boolInt(sub.Enabled), sub.Channel,
			string(channelConfig), string(chain), sub.RunbookURL)
		if err != nil {
			return Subscription{}, fmt.Errorf("failed to insert subscription: %w", err)
		}
		sub.ID, _ = res.LastInsertId()
		return s.GetSubscription(sub.ID)
	}

	_, err := s.db.Exec(`
		UPDATE subscriptions SET
			name = ?, owner = ?, event_types = ?, min_severity = ?,
			dedupe_window_sec = ?, enabled = ?, channel = ?, channel_config = ?,
			escalation_chain = ?, runbook_url = ?
		WHERE id = ?`,
		sub.Name, sub.Owner, string(eventTypes), string(sub.MinSeverity),
		sub.DedupeWindowSec, boolInt(sub.Enabled), sub.Channel,
		string(channelConfig), string(chain), sub.RunbookURL, sub.ID)
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to update subscription: %w", err)
	}
	return s.GetSubscription(sub.ID)
}

// GetSubscription returns one subscription by id.
func (s *Store) GetSubscription(id int64) (Subscription, error) {
	row := s.db.QueryRow(`
		SELECT id, name, owner, event_types, min_severity, dedupe_window_sec,
		       enabled, channel, channel_config, escalation_chain, runbook_url
		FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return Subscription{}, apperr.NotFound("subscription %d not found", id)
	}
	return sub, err
}

// EnabledSubscriptions returns all enabled subscriptions.
func (s *Store) EnabledSubscriptions() ([]Subscription, error) {
	return s.listSubscriptions(`WHERE enabled = 1`)
}

// ListSubscriptions returns all subscriptions.
func (s *Store) ListSubscriptions() ([]Subscription, error) {
	return s.listSubscriptions(``)
}

func (s *Store) listSubscriptions(where string) ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, name, owner, event_types, min_severity, dedupe_window_sec,
		       enabled, channel, channel_config, escalation_chain, runbook_url
		FROM subscriptions ` + where + ` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// HasRecentNotification reports whether a notification with the same dedupe
// key landed inside the window. Window zero disables dedup.
func (s *Store) HasRecentNotification(subscriptionID int64, dedupeKey string, windowSec int) (bool, error) {
	if windowSec <= 0 {
		return false, nil
	}
	cutoff := s.now().UTC().Add(-time.Duration(windowSec) * time.Second).Format(time.RFC3339Nano)
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE subscription_id = ? AND dedupe_key = ? AND created_at >= ?`,
		subscriptionID, dedupeKey, cutoff).Scan(&n)
	return n > 0, err
}

// InsertNotification stores one notification. Returns (0, nil) when the
// UNIQUE (subscription_id, event_id) constraint made it a no-op.
func (s *Store) InsertNotification(n Notification) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO notifications
			(subscription_id, event_id, created_at, severity, source, message, payload, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		n.SubscriptionID, n.EventID, s.now().UTC().Format(time.RFC3339Nano),
		string(n.Severity), n.Source, n.Message, n.Payload, n.DedupeKey)
	if err != nil {
		return 0, fmt.Errorf("failed to insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// AckNotification marks a notification acknowledged.
func (s *Store) AckNotification(id int64) error {
	res, err := s.db.Exec(`
		UPDATE notifications SET acked = 1, acked_at = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to ack notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("notification %d not found", id)
	}
	return nil
}

// Notifications lists recent notifications, newest first. Pass acked=nil for
// all, or filter by acknowledgement state.
func (s *Store) Notifications(limit int, acked *bool) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, subscription_id, event_id, created_at, severity, source,
		       message, payload, acked, acked_at, dedupe_key
		FROM notifications`
	args := []interface{}{}
	if acked != nil {
		query += ` WHERE acked = ?`
		args = append(args, boolInt(*acked))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			sev     string
			acked   int
			ackedAt sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.SubscriptionID, &n.EventID, &n.CreatedAt, &sev,
			&n.Source, &n.Message, &n.Payload, &acked, &ackedAt, &n.DedupeKey); err != nil {
			return nil, err
		}
		n.Severity = domain.Severity(sev)
		n.Acked = acked != 0
		if ackedAt.Valid {
			v := ackedAt.String
			n.AckedAt = &v
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertDelivery records one dispatch attempt.
func (s *Store) InsertDelivery(d Delivery) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries (notification_id, subscription_id, channel, target, status, error_message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.NotificationID, d.SubscriptionID, d.Channel, d.Target, d.Status, d.ErrorMessage, d.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// Deliveries lists dispatch attempts for a notification.
func (s *Store) Deliveries(notificationID int64) ([]Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, notification_id, subscription_id, channel, target, status, error_message, payload
		FROM deliveries WHERE notification_id = ? ORDER BY id ASC`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.SubscriptionID, &d.Channel,
			&d.Target, &d.Status, &d.ErrorMessage, &d.Payload); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub           Subscription
		eventTypes    string
		minSeverity   string
		enabled       int
		channelConfig string
		chain         string
	)
	err := row.Scan(&sub.ID, &sub.Name, &sub.Owner, &eventTypes, &minSeverity,
		&sub.DedupeWindowSec, &enabled, &sub.Channel, &channelConfig, &chain, &sub.RunbookURL)
	if err != nil {
		return Subscription{}, err
	}
	sub.MinSeverity = domain.Severity(minSeverity)
	sub.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(eventTypes), &sub.EventTypes); err != nil {
		sub.EventTypes = nil
	}
	if err := json.Unmarshal([]byte(channelConfig), &sub.ChannelConfig); err != nil {
		sub.ChannelConfig = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(chain), &sub.EscalationChain); err != nil {
		sub.EscalationChain = nil
	}
	return sub, nil
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]interface{}) map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

func orEmptyStages(v []Stage) []Stage {
	if v == nil {
		return []Stage{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
