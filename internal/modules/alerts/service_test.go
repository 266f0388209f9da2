package alerts

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/audit"
)

// fakeDispatcher records deliveries and can be told to fail.
type fakeDispatcher struct {
	calls []string // channel:target
	fail  bool
}

func (f *fakeDispatcher) Dispatch(channel, target string, item AlertItem) (string, error) {
	f.calls = append(f.calls, channel+":"+target)
	if f.fail {
		return "error", errors.New("dispatch refused")
	}
	return "accepted", nil
}

func setupAlertService(t *testing.T, dispatchers map[string]Dispatcher) (*Service, *Store, *audit.Store) {
	t.Helper()
	open := func() *sql.DB {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		return db
	}

	store, err := NewStore(open(), zerolog.Nop())
	require.NoError(t, err)
	auditStore, err := audit.NewStore(open(), zerolog.Nop())
	require.NoError(t, err)

	return NewService(store, auditStore, dispatchers, zerolog.Nop()), store, auditStore
}

func saveSub(t *testing.T, store *Store, sub Subscription) Subscription {
	t.Helper()
	sub.Enabled = true
	saved, err := store.SaveSubscription(sub)
	require.NoError(t, err)
	return saved
}

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name     string
		event    audit.Event
		want     bool
		severity domain.Severity
	}{
		{"sla breach", audit.Event{EventType: "ops_sla", Action: "missed_run", Status: "OK",
			Payload: `{"severity":"CRITICAL","message":"job late"}`}, true, domain.SeverityCritical},
		{"connector sla", audit.Event{EventType: "event_connector_sla", Action: "lag", Status: "OK"},
			true, domain.SeverityWarning},
		{"error status", audit.Event{EventType: "daily_pipeline", Action: "run_symbol", Status: "ERROR",
			Payload: `{"error":"provider down"}`}, true, domain.SeverityCritical},
		{"blocked signal", audit.Event{EventType: "daily_pipeline", Action: "run_symbol", Status: "OK",
			Payload: `{"blocked":true}`}, true, domain.SeverityWarning},
		{"portfolio risk", audit.Event{EventType: "portfolio_risk", Action: "evaluate", Status: "OK"},
			true, domain.SeverityWarning},
		{"failed compliance", audit.Event{EventType: "compliance", Action: "export", Status: "OK",
			Payload: `{"passed":false}`}, true, domain.SeverityWarning},
		{"passed compliance", audit.Event{EventType: "compliance", Action: "export", Status: "OK",
			Payload: `{"passed":true}`}, false, ""},
		{"routine event", audit.Event{EventType: "daily_pipeline", Action: "run_symbol", Status: "OK",
			Payload: `{"blocked":false}`}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, ok := classify(tc.event)
			assert.Equal(t, tc.want, ok)
			if ok {
				assert.Equal(t, tc.severity, item.Severity)
			}
		})
	}
}

func TestClassifyMessageFallsBackToPayload(t *testing.T) {
	item, ok := classify(audit.Event{
		EventType: "risk_check", Action: "evaluate", Status: "OK",
		Payload: `{"message":"turnover below floor"}`,
	})
	require.True(t, ok)
	assert.Equal(t, "turnover below floor", item.Message)
	assert.Equal(t, "risk_check.evaluate", item.Source)
}

func TestEscalationLevelClamp(t *testing.T) {
	base := AlertItem{Severity: domain.SeverityWarning}

	base.Payload = map[string]interface{}{"escalation_level": float64(99)}
	assert.Equal(t, 10, escalationLevel(base))

	base.Payload = map[string]interface{}{"escalation_level": float64(-3)}
	assert.Equal(t, 0, escalationLevel(base))

	base.Payload = map[string]interface{}{}
	assert.Equal(t, 1, escalationLevel(base))

	base.Severity = domain.SeverityCritical
	assert.Equal(t, 2, escalationLevel(base))

	base.Severity = domain.SeverityInfo
	assert.Equal(t, 0, escalationLevel(base))
}

func TestSyncCreatesNotificationAndDispatches(t *testing.T) {
	im := &fakeDispatcher{}
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{ChannelIM: im})
	saveSub(t, store, Subscription{
		Name: "risk-alerts", Channel: ChannelIM, MinSeverity: domain.SeverityWarning,
		ChannelConfig: map[string]interface{}{"targets": "https://hook.example/a"},
	})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, map[string]interface{}{"message": "blocked"})

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	assert.Equal(t, 1, result.Notifications)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, []string{"im:https://hook.example/a"}, im.calls)
}

func TestSyncIsIdempotentPerEvent(t *testing.T) {
	im := &fakeDispatcher{}
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{ChannelIM: im})
	saveSub(t, store, Subscription{
		Name: "risk-alerts", Channel: ChannelIM,
		ChannelConfig: map[string]interface{}{"targets": "https://hook.example/a"},
	})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, nil)

	_, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Notifications, "same event must not notify twice")
	assert.Len(t, im.calls, 1)
}

func TestSyncDedupesWithinWindow(t *testing.T) {
	svc, store, auditStore := setupAlertService(t, nil)
	sub := saveSub(t, store, Subscription{
		Name: "ops", Channel: ChannelInbox, DedupeWindowSec: 60,
	})

	// Two distinct audit events carrying the same source and message.
	auditStore.Log("ops_sla", "missed_run", audit.StatusOK, map[string]interface{}{"message": "job late"})
	auditStore.Log("ops_sla", "missed_run", audit.StatusOK, map[string]interface{}{"message": "job late"})

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Notifications)
	assert.Equal(t, 1, result.Deduped)

	notifications, err := store.Notifications(10, nil)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, sub.ID, notifications[0].SubscriptionID)
}

func TestSyncSeverityFloorFiltersInfo(t *testing.T) {
	svc, store, auditStore := setupAlertService(t, nil)
	saveSub(t, store, Subscription{
		Name: "critical-only", Channel: ChannelInbox, MinSeverity: domain.SeverityCritical,
	})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, nil) // WARNING

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	assert.Equal(t, 0, result.Notifications)
}

func TestSyncEventTypeFilter(t *testing.T) {
	svc, store, auditStore := setupAlertService(t, nil)
	saveSub(t, store, Subscription{
		Name: "sla-only", Channel: ChannelInbox, EventTypes: []string{"ops_sla"},
	})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, nil)
	auditStore.Log("ops_sla", "missed_run", audit.StatusOK, nil)

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Notifications)
}

func TestOncallEscalationFiresMatchingStages(t *testing.T) {
	im := &fakeDispatcher{}
	pd := &fakeDispatcher{}
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{
		ChannelIM: im, ChannelPagerduty: pd,
	})
	saveSub(t, store, Subscription{
		Name: "oncall", Channel: ChannelOncall,
		EscalationChain: []Stage{
			{LevelThreshold: 2, Channel: ChannelPagerduty, Targets: []string{"pd-key"}},
			{LevelThreshold: 1, Channel: ChannelIM, Targets: []string{"https://hook.example/im"}},
		},
	})

	// CRITICAL defaults to level 2: both stages fire.
	auditStore.Log("daily_pipeline", "run_symbol", audit.StatusError, map[string]interface{}{"error": "boom"})

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Dispatched)
	assert.Len(t, im.calls, 1)
	assert.Len(t, pd.calls, 1)
}

func TestOncallLowLevelSkipsAllStages(t *testing.T) {
	im := &fakeDispatcher{}
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{ChannelIM: im})
	saveSub(t, store, Subscription{
		Name: "oncall", Channel: ChannelOncall, MinSeverity: domain.SeverityInfo,
		EscalationChain: []Stage{
			{LevelThreshold: 1, Channel: ChannelIM, Targets: []string{"https://hook.example/im"}},
		},
	})

	// Explicit level 0 stays below every stage threshold.
	auditStore.Log("ops_sla", "missed_run", audit.StatusOK, map[string]interface{}{
		"severity": "INFO", "escalation_level": 0,
	})

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Dispatched)
	assert.Empty(t, im.calls)

	notifications, err := store.Notifications(10, nil)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	deliveries, err := store.Deliveries(notifications[0].ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, DeliverySkipped, deliveries[0].Status)
}

func TestDispatchFailureRecordsFailedDelivery(t *testing.T) {
	im := &fakeDispatcher{fail: true}
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{ChannelIM: im})
	saveSub(t, store, Subscription{
		Name: "im", Channel: ChannelIM,
		ChannelConfig: map[string]interface{}{"im_targets": []interface{}{"https://hook.example/a"}},
	})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, nil)

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)

	notifications, err := store.Notifications(10, nil)
	require.NoError(t, err)
	deliveries, err := store.Deliveries(notifications[0].ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, DeliveryFailed, deliveries[0].Status)
	assert.Contains(t, deliveries[0].ErrorMessage, "dispatch refused")
}

func TestEmptyTargetsFailClosed(t *testing.T) {
	svc, store, auditStore := setupAlertService(t, map[string]Dispatcher{ChannelIM: &fakeDispatcher{}})
	saveSub(t, store, Subscription{Name: "im", Channel: ChannelIM})

	auditStore.Log("risk_check", "evaluate", audit.StatusOK, nil)

	result, err := svc.SyncFromAudit(0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
}

func TestResolveTargetsPrecedenceAndDedup(t *testing.T) {
	config := map[string]interface{}{
		"targets":    "generic@example.com",
		"im_targets": "a, b, a, ",
	}
	assert.Equal(t, []string{"a", "b"}, resolveTargets(config, "im"))
	assert.Equal(t, []string{"generic@example.com"}, resolveTargets(config, "email"))
	assert.Nil(t, resolveTargets(map[string]interface{}{}, "im"))
}
