package fundamentals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmargin/quantgate/internal/domain"
)

// fakeFetcher serves canned snapshots keyed by their report date: each call
// returns the newest snapshot published on or before asOf.
type fakeFetcher struct {
	snaps  []domain.FundamentalSnapshot
	calls  int
	failAt map[string]bool
}

func (f *fakeFetcher) GetFundamentalSnapshot(_ context.Context, symbol string, asOf time.Time) (string, domain.FundamentalSnapshot, error) {
	f.calls++
	if f.failAt[asOf.Format(domain.DateLayout)] {
		return "", domain.FundamentalSnapshot{}, errors.New("provider down")
	}
	var best domain.FundamentalSnapshot
	found := false
	for _, s := range f.snaps {
		if s.PublishDate != nil && s.PublishDate.After(asOf) {
			continue
		}
		if !found || (s.PublishDate != nil && best.PublishDate != nil && s.PublishDate.After(*best.PublishDate)) {
			best = s
			found = true
		}
	}
	if !found {
		return "tushare", domain.FundamentalSnapshot{}, nil
	}
	best.Symbol = symbol
	return "tushare", best, nil
}

func ptr(v float64) *float64 { return &v }

func datePtr(y, m, d int) *time.Time {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return &t
}

func dailyBars(start time.Time, n int) []domain.EnrichedBar {
	out := make([]domain.EnrichedBar, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.EnrichedBar{Bar: domain.Bar{
			TradeDate: start.AddDate(0, 0, i),
			Symbol:    "600519.SH",
			Close:     10,
		}})
	}
	return out
}

func q3Snapshot() domain.FundamentalSnapshot {
	return domain.FundamentalSnapshot{
		ROE:         ptr(22.0),
		ReportDate:  datePtr(2023, 9, 30),
		PublishDate: datePtr(2023, 10, 28),
		Source:      "tushare",
	}
}

func TestEnrichBarsPITBackwardJoin(t *testing.T) {
	annual := domain.FundamentalSnapshot{
		ROE:         ptr(25.0),
		ReportDate:  datePtr(2023, 12, 31),
		PublishDate: datePtr(2024, 3, 20),
		Source:      "tushare",
	}
	fetcher := &fakeFetcher{snaps: []domain.FundamentalSnapshot{q3Snapshot(), annual}}
	svc := NewService(fetcher, zerolog.Nop())

	// Two months of bars straddling the annual report's publish date.
	bars := dailyBars(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 40)
	svc.EnrichBarsPIT(context.Background(), "600519.SH", bars, Options{AnchorFrequency: AnchorDaily})

	for _, b := range bars {
		require.NotNil(t, b.Fundamental)
		require.True(t, b.Fundamental.Available, b.TradeDate)
		if b.TradeDate.Before(*annual.PublishDate) {
			assert.Equal(t, 22.0, *b.Fundamental.ROE, "pre-publish rows see only Q3")
		} else {
			assert.Equal(t, 25.0, *b.Fundamental.ROE, "post-publish rows see the annual report")
		}
		assert.True(t, b.Fundamental.PITOK)
	}
}

func TestEnrichBarsPITMonthlyAnchorsFetchSparsely(t *testing.T) {
	fetcher := &fakeFetcher{snaps: []domain.FundamentalSnapshot{q3Snapshot()}}
	svc := NewService(fetcher, zerolog.Nop())

	bars := dailyBars(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 90)
	svc.EnrichBarsPIT(context.Background(), "600519.SH", bars, Options{AnchorFrequency: AnchorMonthly})

	// First bar plus the February and March month boundaries.
	assert.Equal(t, 3, fetcher.calls)
	for _, b := range bars {
		require.NotNil(t, b.Fundamental)
		assert.True(t, b.Fundamental.Available)
	}
}

func TestEnrichBarsPITFetchFailureDegrades(t *testing.T) {
	fetcher := &fakeFetcher{
		snaps:  []domain.FundamentalSnapshot{q3Snapshot()},
		failAt: map[string]bool{"2024-01-02": true},
	}
	svc := NewService(fetcher, zerolog.Nop())

	bars := dailyBars(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 5)
	svc.EnrichBarsPIT(context.Background(), "600519.SH", bars, Options{AnchorFrequency: AnchorDaily})

	// The failed anchor contributes nothing but the next anchor covers the
	// rest of the frame.
	require.NotNil(t, bars[0].Fundamental)
	assert.False(t, bars[0].Fundamental.Available)
	assert.True(t, bars[1].Fundamental.Available)
}

func TestEnrichBarsPITStaleness(t *testing.T) {
	fetcher := &fakeFetcher{snaps: []domain.FundamentalSnapshot{q3Snapshot()}}
	svc := NewService(fetcher, zerolog.Nop())

	bars := dailyBars(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 2)
	svc.EnrichBarsPIT(context.Background(), "600519.SH", bars, Options{
		AnchorFrequency:  AnchorDaily,
		MaxStalenessDays: 60,
	})

	// Report date 2023-09-30 is 94 days before 2024-01-02.
	require.NotNil(t, bars[0].Fundamental)
	assert.Equal(t, 94, bars[0].Fundamental.StaleDays)
	assert.True(t, bars[0].Fundamental.IsStale)
}

func TestEnrichBarsLegacySingleSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{snaps: []domain.FundamentalSnapshot{q3Snapshot()}}
	svc := NewService(fetcher, zerolog.Nop())

	bars := dailyBars(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 10)
	svc.EnrichBars(context.Background(), "600519.SH", bars, bars[9].TradeDate, Options{})

	assert.Equal(t, 1, fetcher.calls)
	for _, b := range bars {
		require.NotNil(t, b.Fundamental)
		assert.True(t, b.Fundamental.Available)
		assert.Equal(t, 22.0, *b.Fundamental.ROE)
	}
}

func TestEnrichBarsNoSnapshotMarksMissing(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := NewService(fetcher, zerolog.Nop())

	bars := dailyBars(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 3)
	svc.EnrichBars(context.Background(), "600519.SH", bars, bars[2].TradeDate, Options{})

	for _, b := range bars {
		require.NotNil(t, b.Fundamental)
		assert.False(t, b.Fundamental.Available)
		assert.Equal(t, -1, b.Fundamental.StaleDays)
		assert.True(t, b.Fundamental.PITOK)
	}
}
