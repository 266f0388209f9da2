package audit

import (
	"bytes"
	"database/sql"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store, db
}

func TestAppendChainsHashes(t *testing.T) {
	store, _ := setupStore(t)

	first, err := store.Append("daily_pipeline", "run_symbol", StatusOK, map[string]interface{}{"symbol": "600519.SH"})
	require.NoError(t, err)
	second, err := store.Append("daily_pipeline", "run_symbol", StatusOK, map[string]interface{}{"symbol": "000001.SZ"})
	require.NoError(t, err)

	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.EventHash)
	assert.Equal(t, first.EventHash, second.PrevHash)
	assert.NotEqual(t, first.EventHash, second.EventHash)
}

func TestVerifyChainIntact(t *testing.T) {
	store, _ := setupStore(t)
	for i := 0; i < 5; i++ {
		_, err := store.Append("risk_check", "evaluate", StatusOK, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	result, err := store.VerifyChain(0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Nil(t, result.BrokenID)
	assert.Equal(t, 5, result.Checked)
}

func TestVerifyChainDetectsTamperedRow(t *testing.T) {
	store, db := setupStore(t)
	for i := 0; i < 4; i++ {
		_, err := store.Append("risk_check", "evaluate", StatusOK, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	// Mutate row 2 in place; verification must stop there.
	_, err := db.Exec(`UPDATE audit_events SET payload = '{"n":99}' WHERE id = 2`)
	require.NoError(t, err)

	result, err := store.VerifyChain(0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenID)
	assert.Equal(t, int64(2), *result.BrokenID)
}

func TestVerifyChainDetectsDeletedRow(t *testing.T) {
	store, db := setupStore(t)
	for i := 0; i < 4; i++ {
		_, err := store.Append("risk_check", "evaluate", StatusOK, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	_, err := db.Exec(`DELETE FROM audit_events WHERE id = 2`)
	require.NoError(t, err)

	result, err := store.VerifyChain(0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenID)
	assert.Equal(t, int64(3), *result.BrokenID)
}

func TestPayloadIsCanonicalAndStable(t *testing.T) {
	store, _ := setupStore(t)

	// Key order in the input map must not affect the stored bytes.
	ev, err := store.Append("portfolio_risk", "evaluate", StatusOK, map[string]interface{}{
		"zeta":  1.0,
		"alpha": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","zeta":1}`, ev.Payload)
}

func TestPayloadSanitizesNonFiniteFloats(t *testing.T) {
	store, _ := setupStore(t)

	ev, err := store.Append("risk_check", "evaluate", StatusOK, map[string]interface{}{
		"var": math.NaN(),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"var":null}`, ev.Payload)
}

func TestLatestReturnsOldestFirst(t *testing.T) {
	store, _ := setupStore(t)
	for i := 0; i < 3; i++ {
		_, err := store.Append("ops_sla", "missed_run", StatusOK, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	events, err := store.Latest(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)
}

func TestExportCSVCarriesWatermark(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.Append("daily_pipeline", "run_symbol", StatusOK, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := store.ExportCSV(&buf, "export:audit_log internal 2024-03-04", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "# export:audit_log internal 2024-03-04", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "id,event_time"))
}

func TestExportJSONLCarriesWatermark(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.Append("daily_pipeline", "run_symbol", StatusOK, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := store.ExportJSONL(&buf, "wm", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "# wm", lines[0])
	assert.Contains(t, lines[1], `"payload_json":{"k":"v"}`)
}
