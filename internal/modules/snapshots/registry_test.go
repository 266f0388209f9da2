package snapshots

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/domain"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg, err := NewRegistry(db, zerolog.Nop())
	require.NoError(t, err)
	return reg
}

func sampleSnapshot(hash string) Snapshot {
	return Snapshot{
		DatasetName: "daily_bars",
		Symbol:      "600519.SH",
		StartDate:   time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		Provider:    "tushare",
		RowCount:    5,
		ContentHash: hash,
	}
}

func TestRegisterIsIdempotentOnFullKey(t *testing.T) {
	reg := setupRegistry(t)

	first, err := reg.Register(sampleSnapshot("abc"))
	require.NoError(t, err)

	again, err := reg.Register(sampleSnapshot("abc"))
	require.NoError(t, err)
	assert.Equal(t, first, again, "same range and hash reuses the row")

	snaps, err := reg.List("daily_bars", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, "1", snaps[0].SchemaVersion)
}

func TestRegisterNewHashCreatesNewRow(t *testing.T) {
	reg := setupRegistry(t)

	first, err := reg.Register(sampleSnapshot("abc"))
	require.NoError(t, err)
	second, err := reg.Register(sampleSnapshot("def"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a revised frame over the same range is a new snapshot")

	snaps, err := reg.List("daily_bars", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, second, snaps[0].ID, "newest first")
}

func TestHashBarsIsOrderAndContentSensitive(t *testing.T) {
	a := domain.Bar{
		TradeDate: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Symbol:    "600519.SH", Open: 10, High: 11, Low: 9.5, Close: 10.5,
		Volume: 120000, Amount: 1.26e6,
	}
	b := a
	b.TradeDate = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	base := HashBars([]domain.Bar{a, b})
	assert.Len(t, base, 64)
	assert.Equal(t, base, HashBars([]domain.Bar{a, b}), "deterministic")
	assert.NotEqual(t, base, HashBars([]domain.Bar{b, a}), "row order matters")

	tweaked := b
	tweaked.Close = 10.51
	assert.NotEqual(t, base, HashBars([]domain.Bar{a, tweaked}))
}

func TestHashBarsTreatsNaNAsEmptyCell(t *testing.T) {
	a := domain.Bar{
		TradeDate: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Symbol:    "600519.SH", Open: math.NaN(), High: 11, Low: 9.5, Close: 10.5,
	}
	b := a
	b.Open = math.NaN()
	assert.Equal(t, HashBars([]domain.Bar{a}), HashBars([]domain.Bar{b}),
		"NaN renders to the same empty cell regardless of bit pattern")
}
