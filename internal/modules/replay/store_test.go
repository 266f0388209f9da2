package replay

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/apperr"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func recordSignal(t *testing.T, store *Store, id, tradeDate string, refClose float64) string {
	t.Helper()
	signalID, err := store.RecordSignal(SignalRecord{
		SignalID:     id,
		Symbol:       "600519.SH",
		StrategyName: "momentum",
		TradeDate:    tradeDate,
		Action:       "BUY",
		Confidence:   0.7,
	}, refClose)
	require.NoError(t, err)
	return signalID
}

var asOf = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRecordSignalAssignsID(t *testing.T) {
	store := setupStore(t)

	_, err := store.RecordSignal(SignalRecord{}, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	id := recordSignal(t, store, "", "2024-03-04", 100)
	assert.NotEmpty(t, id)

	signals, err := store.Signals("momentum", 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, id, signals[0].SignalID)
}

func TestRecordExecutionRequiresSignal(t *testing.T) {
	store := setupStore(t)
	err := store.RecordExecution(ExecutionRecord{SignalID: "nope"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestComputeFollowStats(t *testing.T) {
	store := setupStore(t)

	// Followed next day at a 50 bps premium over the reference close.
	followed := recordSignal(t, store, "sig-followed", "2024-03-04", 100)
	require.NoError(t, store.RecordExecution(ExecutionRecord{
		SignalID: followed, Symbol: "600519.SH",
		ExecutionDate: "2024-03-05", Side: "BUY", Quantity: 100, Price: 100.5,
	}))
	// Never acted on.
	recordSignal(t, store, "sig-ignored", "2024-03-06", 50)

	stats, err := store.ComputeFollowStats("momentum", 30, asOf)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSignals)
	assert.Equal(t, 1, stats.FollowedSignals)
	assert.InDelta(t, 0.5, stats.FollowRate, 1e-12)
	assert.InDelta(t, 50, stats.MeanSlippageBps, 1e-9)
	assert.InDelta(t, 1, stats.MeanDelayDays, 1e-9)
}

func TestComputeFollowStatsUsesFirstExecution(t *testing.T) {
	store := setupStore(t)
	id := recordSignal(t, store, "sig-split", "2024-03-04", 100)
	// Two partial fills: slippage and delay come from the earliest one.
	require.NoError(t, store.RecordExecution(ExecutionRecord{
		SignalID: id, Symbol: "600519.SH",
		ExecutionDate: "2024-03-06", Side: "BUY", Quantity: 100, Price: 103,
	}))
	require.NoError(t, store.RecordExecution(ExecutionRecord{
		SignalID: id, Symbol: "600519.SH",
		ExecutionDate: "2024-03-04", Side: "BUY", Quantity: 100, Price: 101,
	}))

	stats, err := store.ComputeFollowStats("momentum", 30, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FollowedSignals)
	assert.InDelta(t, 100, stats.MeanSlippageBps, 1e-9)
	assert.Zero(t, stats.MeanDelayDays)
}

func TestComputeFollowStatsWindowExcludesOldSignals(t *testing.T) {
	store := setupStore(t)
	recordSignal(t, store, "sig-old", "2024-01-15", 100)
	recordSignal(t, store, "sig-new", "2024-03-06", 100)

	stats, err := store.ComputeFollowStats("momentum", 30, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSignals)
}

func TestComputeFollowStatsEmptyWindow(t *testing.T) {
	store := setupStore(t)
	stats, err := store.ComputeFollowStats("momentum", 30, asOf)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSignals)
	assert.Zero(t, stats.FollowRate)
	assert.Zero(t, stats.MeanSlippageBps)
}

func TestSignalsWithoutRefCloseSkipSlippage(t *testing.T) {
	store := setupStore(t)
	id := recordSignal(t, store, "sig-noref", "2024-03-05", 0)
	require.NoError(t, store.RecordExecution(ExecutionRecord{
		SignalID: id, Symbol: "600519.SH",
		ExecutionDate: "2024-03-05", Side: "BUY", Quantity: 100, Price: 99,
	}))

	stats, err := store.ComputeFollowStats("momentum", 30, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FollowedSignals)
	assert.Zero(t, stats.MeanSlippageBps, "no reference close, no slippage sample")
}
