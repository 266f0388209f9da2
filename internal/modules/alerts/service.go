package alerts

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/modules/audit"
)

// SyncResult summarizes one sync_from_audit run.
type SyncResult struct {
	Scanned       int `json:"scanned"`
	Classified    int `json:"classified"`
	Notifications int `json:"notifications"`
	Deduped       int `json:"deduped"`
	Dispatched    int `json:"dispatched"`
	Failures      int `json:"failures"`
}

// Service matches classified audit events against subscriptions and drives
// channel dispatch.
type Service struct {
	store       *Store
	audit       *audit.Store
	dispatchers map[string]Dispatcher
	log         zerolog.Logger
}

// NewService creates the alert service. The dispatcher map keys are channel
// names; missing channels degrade to FAILED deliveries.
func NewService(store *Store, auditStore *audit.Store, dispatchers map[string]Dispatcher, log zerolog.Logger) *Service {
	return &Service{
		store:       store,
		audit:       auditStore,
		dispatchers: dispatchers,
		log:         log.With().Str("component", "alert_service").Logger(),
	}
}

// Store exposes the underlying store for subscription management handlers.
func (s *Service) Store() *Store {
	return s.store
}

// SyncFromAudit scans the newest audit events oldest-first, classifies them,
// fans matches out to enabled subscriptions, and dispatches the resulting
// notifications.
func (s *Service) SyncFromAudit(limit int) (SyncResult, error) {
	if limit <= 0 {
		limit = 200
	}
	events, err := s.audit.Latest(limit)
	if err != nil {
		return SyncResult{}, err
	}
	subs, err := s.store.EnabledSubscriptions()
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Scanned: len(events)}
	for _, ev := range events {
		item, ok := classify(ev)
		if !ok {
			continue
		}
		result.Classified++

		for _, sub := range subs {
			if !matches(sub, item) {
				continue
			}
			recent, err := s.store.HasRecentNotification(sub.ID, item.DedupeKey(), sub.DedupeWindowSec)
			if err != nil {
				return result, err
			}
			if recent {
				result.Deduped++
				continue
			}

			payload, _ := json.Marshal(item.Payload)
			notifID, err := s.store.InsertNotification(Notification{
				SubscriptionID: sub.ID,
				EventID:        item.EventID,
				Severity:       item.Severity,
				Source:         item.Source,
				Message:        item.Message,
				Payload:        string(payload),
				DedupeKey:      item.DedupeKey(),
			})
			if err != nil {
				return result, err
			}
			if notifID == 0 {
				// Lost the unique-constraint race; the winner dispatched.
				continue
			}
			result.Notifications++

			sent, failed := s.dispatch(notifID, sub, item)
			result.Dispatched += sent
			result.Failures += failed
		}
	}
	return result, nil
}

// matches applies the event-type filter (empty list = any) and the severity
// floor.
func matches(sub Subscription, item AlertItem) bool {
	if len(sub.EventTypes) > 0 {
		found := false
		for _, t := range sub.EventTypes {
			if t == item.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return item.Severity.Rank() >= sub.MinSeverity.Rank()
}

// dispatch routes one notification per the subscription's channel. Returns
// (sent, failed) delivery counts.
func (s *Service) dispatch(notifID int64, sub Subscription, item AlertItem) (int, int) {
	switch sub.Channel {
	case ChannelInbox:
		s.recordDelivery(notifID, sub.ID, ChannelInbox, "", DeliverySkipped, "", "inbox notifications are pull-only")
		return 0, 0
	case ChannelOncall:
		return s.dispatchOncall(notifID, sub, item)
	default:
		return s.dispatchToTargets(notifID, sub.ID, sub.Channel, resolveTargets(sub.ChannelConfig, sub.Channel), item)
	}
}

// dispatchOncall walks the escalation chain by ascending level threshold and
// fires every stage at or below the alert's escalation level.
func (s *Service) dispatchOncall(notifID int64, sub Subscription, item AlertItem) (int, int) {
	level := escalationLevel(item)
	stages := append([]Stage(nil), sub.EscalationChain...)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].LevelThreshold < stages[j].LevelThreshold
	})

	sent, failed := 0, 0
	fired := false
	for _, stage := range stages {
		if level < stage.LevelThreshold {
			continue
		}
		fired = true
		targets := stage.Targets
		if len(targets) == 0 {
			targets = resolveTargets(sub.ChannelConfig, stage.Channel)
		}
		stageSent, stageFailed := s.dispatchToTargets(notifID, sub.ID, stage.Channel, targets, item)
		sent += stageSent
		failed += stageFailed
	}
	if !fired {
		s.recordDelivery(notifID, sub.ID, ChannelOncall, "", DeliverySkipped, "",
			"no escalation stage at or below the alert level")
	}
	return sent, failed
}

func (s *Service) dispatchToTargets(notifID, subID int64, channel string, targets []string, item AlertItem) (int, int) {
	if len(targets) == 0 {
		s.recordDelivery(notifID, subID, channel, "", DeliveryFailed, "channel target is empty", "")
		return 0, 1
	}
	dispatcher := s.dispatchers[channel]
	sent, failed := 0, 0
	for _, target := range targets {
		if dispatcher == nil {
			s.recordDelivery(notifID, subID, channel, target, DeliveryFailed,
				"no dispatcher configured for channel "+channel, "")
			failed++
			continue
		}
		providerStatus, err := dispatcher.Dispatch(channel, target, item)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Str("target", target).Msg("Alert dispatch failed")
			s.recordDelivery(notifID, subID, channel, target, DeliveryFailed, err.Error(), providerStatus)
			failed++
			continue
		}
		s.recordDelivery(notifID, subID, channel, target, DeliverySent, "", providerStatus)
		sent++
	}
	return sent, failed
}

func (s *Service) recordDelivery(notifID, subID int64, channel, target, status, errMsg, providerStatus string) {
	payload := ""
	if providerStatus != "" || errMsg != "" {
		raw, _ := json.Marshal(map[string]string{"provider_status": providerStatus})
		payload = string(raw)
	}
	if err := s.store.InsertDelivery(Delivery{
		NotificationID: notifID,
		SubscriptionID: subID,
		Channel:        channel,
		Target:         target,
		Status:         status,
		ErrorMessage:   errMsg,
		Payload:        payload,
	}); err != nil {
		s.log.Error().Err(err).Int64("notification_id", notifID).Msg("Failed to record delivery")
	}
}

// resolveTargets reads targets from channel config: the channel-specific key
// wins over the generic "targets". Values may be string CSVs or string lists;
// duplicates drop while preserving first-seen order.
func resolveTargets(config map[string]interface{}, channel string) []string {
	for _, key := range []string{channel + "_targets", channel, "targets"} {
		raw, ok := config[key]
		if !ok {
			continue
		}
		targets := flattenTargets(raw)
		if len(targets) > 0 {
			return targets
		}
	}
	return nil
}

func flattenTargets(raw interface{}) []string {
	var parts []string
	switch v := raw.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	}

	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
