// Package factors derives technical, fundamental, and vendor-advanced scores
// from enriched bar frames.
//
// The engine never fails on missing inputs: absent columns degrade to the
// neutral 0.5 score so a thin frame still produces a usable feature row.
package factors

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/pkg/formulas"
)

// staleDampen multiplies the fundamental score when the snapshot is stale or
// failed the PIT check.
const staleDampen = 0.6

// FeatureRow is one bar with its computed factor columns.
type FeatureRow struct {
	domain.EnrichedBar

	MA5          float64
	MA20         float64
	MA60         float64
	ATR14        float64
	Ret1d        float64
	Momentum20   float64
	Momentum60   float64
	Volatility20 float64
	ZScore20     float64
	Turnover20   float64

	FundamentalScore     float64
	FundamentalAvailable bool

	AdvancedScore         float64
	DisclosureRiskScore   float64
	OverhangRiskScore     float64
	AdvancedAvailable     bool
}

// Engine computes feature frames.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates the factor engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "factor_engine").Logger()}
}

// Compute derives the feature frame for one symbol. Bars must be sorted
// ascending by trade date.
func (e *Engine) Compute(bars []domain.EnrichedBar) []FeatureRow {
	n := len(bars)
	if n == 0 {
		return nil
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	amounts := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		amounts[i] = b.Amount
	}

	ma5 := formulas.SMA(closes, 5)
	ma20 := formulas.SMA(closes, 20)
	ma60 := formulas.SMA(closes, 60)
	atr14 := formulas.ATR(highs, lows, closes, 14)
	closeStd20 := formulas.RollingStdDev(closes, 20)
	turnover20 := formulas.RollingMean(amounts, 20)

	ret1d := make([]float64, n)
	ret1d[0] = math.NaN()
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 && !math.IsNaN(closes[i-1]) && !math.IsNaN(closes[i]) {
			ret1d[i] = closes[i]/closes[i-1] - 1
		} else {
			ret1d[i] = math.NaN()
		}
	}
	vol20 := formulas.RollingStdDev(ret1d[1:], 20)

	rows := make([]FeatureRow, n)
	for i, b := range bars {
		row := FeatureRow{EnrichedBar: b}
		row.MA5, row.MA20, row.MA60 = ma5[i], ma20[i], ma60[i]
		row.ATR14 = atr14[i]
		row.Ret1d = ret1d[i]
		row.Momentum20 = lookbackReturn(closes, i, 20)
		row.Momentum60 = lookbackReturn(closes, i, 60)
		if i >= 1 {
			row.Volatility20 = vol20[i-1]
		} else {
			row.Volatility20 = math.NaN()
		}
		if !math.IsNaN(ma20[i]) && !math.IsNaN(closeStd20[i]) && closeStd20[i] > 0 {
			row.ZScore20 = (closes[i] - ma20[i]) / closeStd20[i]
		} else {
			row.ZScore20 = math.NaN()
		}
		row.Turnover20 = turnover20[i]

		row.FundamentalScore, row.FundamentalAvailable = fundamentalScore(b.Fundamental)
		row.AdvancedScore, row.DisclosureRiskScore, row.OverhangRiskScore, row.AdvancedAvailable = advancedScores(b.Advanced)

		rows[i] = row
	}
	return rows
}

func lookbackReturn(closes []float64, i, lag int) float64 {
	if i < lag {
		return math.NaN()
	}
	prev := closes[i-lag]
	if prev == 0 || math.IsNaN(prev) || math.IsNaN(closes[i]) {
		return math.NaN()
	}
	return closes[i]/prev - 1
}

// fundamentalScore blends four bounded sub-scores. Weights favor
// profitability and growth; stale or PIT-failed snapshots are dampened.
func fundamentalScore(f *domain.FundamentalCols) (float64, bool) {
	if f == nil || !f.Available {
		return 0.5, false
	}

	profitability := blend(
		scaleTo01(f.ROE, 0, 25),
		scaleTo01(f.GrossMargin, 0, 50),
	)
	growth := blend(
		scaleTo01(f.RevenueYoY, -30, 50),
		scaleTo01(f.NetProfitYoY, -30, 50),
	)
	qual := blend(scaleTo01(f.OCFToProfit, 0, 1.5))
	leverage := blend(invScaleTo01(f.DebtToAsset, 30, 85))

	score := 0.35*profitability + 0.3*growth + 0.2*qual + 0.15*leverage
	if f.IsStale || !f.PITOK {
		score *= staleDampen
	}
	return formulas.Clip01(score), true
}

// advancedScores blends the vendor-advanced columns into a composite plus
// the disclosure and overhang risk scores.
func advancedScores(a *domain.AdvancedCols) (score, disclosure, overhang float64, available bool) {
	if a == nil {
		return 0.5, 0, 0, false
	}

	liquidity := scaleTo01(a.TurnoverRate, 0.5, 8)
	valuation := blend(
		invScaleTo01(a.PEPercentile, 0, 1),
		invScaleTo01(a.PBPercentile, 0, 1),
	)
	flow := 0.5
	if a.MoneyflowNet != nil {
		if *a.MoneyflowNet > 0 {
			flow = 0.75
		} else if *a.MoneyflowNet < 0 {
			flow = 0.25
		}
	}
	size := scaleTo01(a.FreeFloatMktCap, 2e9, 5e10)

	score = formulas.Clip01(0.3*liquidity + 0.3*valuation + 0.25*flow + 0.15*size)

	if a.DisclosureRisk != nil {
		disclosure = formulas.Clip01(*a.DisclosureRisk)
	}
	overhangParts := 0
	if a.PledgeRatio != nil {
		overhang += formulas.Clip01(*a.PledgeRatio / 0.6)
		overhangParts++
	}
	if a.UnlockPctFloat != nil {
		overhang += formulas.Clip01(*a.UnlockPctFloat / 0.2)
		overhangParts++
	}
	if overhangParts > 0 {
		overhang = formulas.Clip01(overhang / float64(overhangParts))
	}
	return score, disclosure, overhang, true
}

// scaleTo01 maps v linearly from [lo, hi] to [0, 1]; nil maps to neutral.
func scaleTo01(v *float64, lo, hi float64) float64 {
	if v == nil || hi == lo {
		return 0.5
	}
	return formulas.Clip01((*v - lo) / (hi - lo))
}

// invScaleTo01 is scaleTo01 with the sense inverted (high raw value is bad).
func invScaleTo01(v *float64, lo, hi float64) float64 {
	if v == nil || hi == lo {
		return 0.5
	}
	return formulas.Clip01(1 - (*v-lo)/(hi-lo))
}

// blend averages its inputs.
func blend(parts ...float64) float64 {
	if len(parts) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}
