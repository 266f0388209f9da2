package scheduler

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/jobs"
)

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newWorker(t *testing.T, cfg *config.Config) (*Worker, *jobs.Service, *jobs.Store, *audit.Store) {
	t.Helper()
	log := zerolog.Nop()

	jobStore, err := jobs.NewStore(memDB(t), log)
	require.NoError(t, err)
	jobSvc := jobs.NewService(jobStore, "UTC", log)

	auditStore, err := audit.NewStore(memDB(t), log)
	require.NoError(t, err)

	return NewWorker(jobSvc, auditStore, nil, cfg, log), jobSvc, jobStore, auditStore
}

func auditEntries(t *testing.T, store *audit.Store, eventType string) int {
	t.Helper()
	events, err := store.Latest(100)
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

func TestStartStopIdempotent(t *testing.T) {
	w, _, _, _ := newWorker(t, &config.Config{SchedulerTickSeconds: 3600})

	require.NoError(t, w.Start())
	assert.True(t, w.Running())
	require.NoError(t, w.Start(), "second start is a no-op")

	w.Stop()
	assert.False(t, w.Running())
	w.Stop()
}

func TestTickRunsDueJobAndAudits(t *testing.T) {
	w, jobSvc, jobStore, auditStore := newWorker(t, &config.Config{
		SchedulerTickSeconds:  3600,
		SLAGraceMinutes:       10,
		SLARunningTimeoutMin:  60,
		SLALogCooldownSeconds: 3600,
	})

	runs := 0
	jobSvc.RegisterHandler("counter", func(def jobs.JobDefinition) (string, error) {
		runs++
		return "done", nil
	})
	_, err := jobStore.SaveDefinition(jobs.JobDefinition{
		Name: "every_minute", JobType: "counter", ScheduleCron: "* * * * *",
	})
	require.NoError(t, err)

	w.tick()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, auditEntries(t, auditStore, "ops_scheduler"))
}

func TestTickWithNothingDueStaysQuiet(t *testing.T) {
	w, _, _, auditStore := newWorker(t, &config.Config{
		SchedulerTickSeconds:  3600,
		SLAGraceMinutes:       10,
		SLARunningTimeoutMin:  60,
		SLALogCooldownSeconds: 3600,
	})

	w.tick()
	assert.Zero(t, auditEntries(t, auditStore, "ops_scheduler"),
		"an empty tick leaves no audit trail")
}

func TestSLABreachLoggedOncePerCooldown(t *testing.T) {
	w, _, jobStore, auditStore := newWorker(t, &config.Config{
		SLAGraceMinutes:       10,
		SLARunningTimeoutMin:  60,
		SLALogCooldownSeconds: 3600,
	})

	// A daily 18:30 job with no runs on record is overdue at 19:00.
	_, err := jobStore.SaveDefinition(jobs.JobDefinition{
		Name: "eod_report", JobType: "noop", ScheduleCron: "30 18 * * *",
	})
	require.NoError(t, err)

	asOf := time.Date(2024, 3, 4, 19, 0, 0, 0, time.UTC)
	w.auditSLA(asOf)
	assert.Equal(t, 1, auditEntries(t, auditStore, "ops_sla"))

	// Within the cooldown the same breach stays silent.
	w.auditSLA(asOf.Add(5 * time.Minute))
	assert.Equal(t, 1, auditEntries(t, auditStore, "ops_sla"))

	// Past the cooldown it fires again.
	w.auditSLA(asOf.Add(2 * time.Hour))
	assert.Equal(t, 2, auditEntries(t, auditStore, "ops_sla"))
}
