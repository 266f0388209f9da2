package factors

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmargin/quantgate/internal/domain"
)

func syntheticFrame(n int, step float64) []domain.EnrichedBar {
	out := make([]domain.EnrichedBar, 0, n)
	price := 10.0
	for i := 0; i < n; i++ {
		out = append(out, domain.EnrichedBar{Bar: domain.Bar{
			TradeDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Symbol:    "600519.SH",
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: 100000, Amount: price * 100000,
		}})
		price += step
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func TestComputeEmptyFrame(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	assert.Nil(t, e.Compute(nil))
}

func TestComputeMovingAveragesAndMomentum(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	rows := e.Compute(syntheticFrame(70, 1))
	require.Len(t, rows, 70)

	// Closes are 10, 11, 12, ...: MA5 at index i is close - 2.
	last := rows[69]
	assert.InDelta(t, last.Close-2, last.MA5, 1e-9)
	assert.InDelta(t, last.Close-9.5, last.MA20, 1e-9)
	assert.InDelta(t, last.Close-29.5, last.MA60, 1e-9)

	// 20-day momentum on a +1/day series starting at close[i-20].
	assert.InDelta(t, last.Close/(last.Close-20)-1, last.Momentum20, 1e-9)
	assert.InDelta(t, last.Close/(last.Close-60)-1, last.Momentum60, 1e-9)
	assert.InDelta(t, last.Close/(last.Close-1)-1, last.Ret1d, 1e-9)

	// Warmup rows are NaN, not zero.
	assert.True(t, math.IsNaN(rows[0].Ret1d))
	assert.True(t, math.IsNaN(rows[3].MA5))
	assert.True(t, math.IsNaN(rows[19].Momentum20))
	assert.False(t, math.IsNaN(rows[4].MA5))
}

func TestComputeZScoreOnFlatSeriesIsNaN(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	rows := e.Compute(syntheticFrame(30, 0))
	assert.True(t, math.IsNaN(rows[29].ZScore20), "zero stddev yields no z-score")
	assert.InDelta(t, 0.0, rows[29].Momentum20, 1e-12)
}

func TestFundamentalScoreNeutralWhenAbsent(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	rows := e.Compute(syntheticFrame(3, 1))
	assert.Equal(t, 0.5, rows[0].FundamentalScore)
	assert.False(t, rows[0].FundamentalAvailable)
	assert.Equal(t, 0.5, rows[0].AdvancedScore)
	assert.False(t, rows[0].AdvancedAvailable)
}

func TestFundamentalScoreRanksQualityAboveJunk(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	strong := &domain.FundamentalCols{
		ROE: ptr(22.0), GrossMargin: ptr(45.0),
		RevenueYoY: ptr(30.0), NetProfitYoY: ptr(35.0),
		OCFToProfit: ptr(1.2), DebtToAsset: ptr(35.0),
		Available: true, PITOK: true,
	}
	weak := &domain.FundamentalCols{
		ROE: ptr(1.0), GrossMargin: ptr(8.0),
		RevenueYoY: ptr(-25.0), NetProfitYoY: ptr(-28.0),
		OCFToProfit: ptr(0.1), DebtToAsset: ptr(80.0),
		Available: true, PITOK: true,
	}

	frame := syntheticFrame(2, 1)
	frame[0].Fundamental = strong
	frame[1].Fundamental = weak
	rows := e.Compute(frame)

	assert.True(t, rows[0].FundamentalAvailable)
	assert.Greater(t, rows[0].FundamentalScore, rows[1].FundamentalScore)
	assert.Greater(t, rows[0].FundamentalScore, 0.7)
	assert.Less(t, rows[1].FundamentalScore, 0.3)
}

func TestStaleFundamentalIsDampened(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	fresh := &domain.FundamentalCols{
		ROE: ptr(22.0), GrossMargin: ptr(45.0),
		RevenueYoY: ptr(30.0), NetProfitYoY: ptr(35.0),
		OCFToProfit: ptr(1.2), DebtToAsset: ptr(35.0),
		Available: true, PITOK: true,
	}
	stale := *fresh
	stale.IsStale = true

	frame := syntheticFrame(2, 1)
	frame[0].Fundamental = fresh
	frame[1].Fundamental = &stale
	rows := e.Compute(frame)

	assert.InDelta(t, rows[0].FundamentalScore*staleDampen, rows[1].FundamentalScore, 1e-9)
}

func TestAdvancedScoresAndRiskColumns(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	frame := syntheticFrame(1, 1)
	frame[0].Advanced = &domain.AdvancedCols{
		TurnoverRate:    ptr(4.25),
		PEPercentile:    ptr(0.2),
		PBPercentile:    ptr(0.4),
		MoneyflowNet:    ptr(5e6),
		FreeFloatMktCap: ptr(2.6e10),
		DisclosureRisk:  ptr(0.7),
		PledgeRatio:     ptr(0.3),
		UnlockPctFloat:  ptr(0.1),
	}
	rows := e.Compute(frame)

	row := rows[0]
	assert.True(t, row.AdvancedAvailable)
	assert.Equal(t, 0.7, row.DisclosureRiskScore)
	// Overhang averages pledge/0.6 and unlock/0.2.
	assert.InDelta(t, 0.5, row.OverhangRiskScore, 1e-9)
	assert.Greater(t, row.AdvancedScore, 0.5, "inflow plus cheap valuation scores above neutral")

	outflow := *frame[0].Advanced
	outflow.MoneyflowNet = ptr(-5e6)
	frame[0].Advanced = &outflow
	lower := e.Compute(frame)[0]
	assert.Less(t, lower.AdvancedScore, row.AdvancedScore)
}
