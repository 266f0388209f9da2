package alerts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/audit"
)

// AlertItem is a classified audit event ready for subscription matching.
type AlertItem struct {
	EventID   int64
	EventType string
	Severity  domain.Severity
	Source    string
	Message   string
	Payload   map[string]interface{}
}

// DedupeKey groups repeats of the same alert.
func (a AlertItem) DedupeKey() string {
	return a.Source + "|" + a.Message
}

// classify maps one audit event to an alert, or (zero, false) when the event
// is not alert-worthy. Rules run in order; the first match wins.
func classify(ev audit.Event) (AlertItem, bool) {
	payload := map[string]interface{}{}
	if ev.Payload != "" {
		// Unparseable payloads still classify; the fields just read as absent.
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}

	item := AlertItem{
		EventID:   ev.ID,
		EventType: ev.EventType,
		Source:    ev.EventType + "." + ev.Action,
		Payload:   payload,
	}

	switch {
	case ev.EventType == "ops_sla" || strings.HasPrefix(ev.EventType, "event_connector_sla"):
		item.Severity = severityFromPayload(payload, domain.SeverityWarning)
		item.Message = payloadString(payload, "message", fmt.Sprintf("SLA breach on %s", ev.Action))
	case ev.Status == "ERROR":
		item.Severity = domain.SeverityCritical
		item.Message = payloadString(payload, "error", fmt.Sprintf("%s %s failed", ev.EventType, ev.Action))
	case payloadBool(payload, "blocked"):
		item.Severity = domain.SeverityWarning
		item.Message = payloadString(payload, "message", fmt.Sprintf("%s blocked by risk rules", ev.Action))
	case ev.EventType == "portfolio_risk" || ev.EventType == "risk_check":
		item.Severity = domain.SeverityWarning
		item.Message = payloadString(payload, "message", fmt.Sprintf("risk finding on %s", ev.Action))
	case ev.EventType == "compliance" && !payloadBool(payload, "passed"):
		item.Severity = domain.SeverityWarning
		item.Message = payloadString(payload, "message", fmt.Sprintf("compliance check failed on %s", ev.Action))
	default:
		return AlertItem{}, false
	}
	return item, true
}

// escalationLevel reads payload.escalation_level clamped to [0, 10], falling
// back to the severity default 2/1/0.
func escalationLevel(item AlertItem) int {
	if raw, ok := item.Payload["escalation_level"]; ok {
		if level, ok := toInt(raw); ok {
			if level < 0 {
				return 0
			}
			if level > 10 {
				return 10
			}
			return level
		}
	}
	switch item.Severity {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarning:
		return 1
	}
	return 0
}

func severityFromPayload(payload map[string]interface{}, fallback domain.Severity) domain.Severity {
	raw := strings.ToUpper(payloadString(payload, "severity", ""))
	switch domain.Severity(raw) {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
		return domain.Severity(raw)
	}
	return fallback
}

func payloadString(payload map[string]interface{}, key, fallback string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func payloadBool(payload map[string]interface{}, key string) bool {
	v, ok := payload[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}
