package strategies

import (
	"fmt"
	"math"

	"github.com/redmargin/quantgate/internal/modules/factors"
)

// Momentum buys trend continuation: price above the 20-day average with
// positive 20-day momentum, exits when the trend breaks.
type Momentum struct{}

// NewMomentum creates the momentum strategy.
func NewMomentum() *Momentum {
	return &Momentum{}
}

// Name implements Strategy.
func (m *Momentum) Name() string {
	return "momentum"
}

// Generate implements Strategy.
//
// Tunable params: momentum_floor (default 0.05), max_zscore (default 2.5),
// base_position (default 0.1).
func (m *Momentum) Generate(features []factors.FeatureRow, ctx Context) []Candidate {
	if len(features) == 0 {
		return nil
	}
	last := features[len(features)-1]
	if math.IsNaN(last.MA20) || math.IsNaN(last.Momentum20) {
		return nil
	}

	momentumFloor := paramFloat(ctx.Params, "momentum_floor", 0.05)
	maxZScore := paramFloat(ctx.Params, "max_zscore", 2.5)
	basePosition := paramFloat(ctx.Params, "base_position", 0.1)

	aboveMA := last.Close > last.MA20
	trending := last.Momentum20 >= momentumFloor
	stretched := !math.IsNaN(last.ZScore20) && last.ZScore20 > maxZScore

	switch {
	case ctx.HeldQty > 0 && (!aboveMA || last.Momentum20 < 0):
		return []Candidate{{
			Symbol:     last.Symbol,
			Action:     "SELL",
			Confidence: 0.6,
			Reason:     fmt.Sprintf("trend break: close %.2f vs MA20 %.2f, momentum20 %.3f", last.Close, last.MA20, last.Momentum20),
		}}
	case aboveMA && trending && !stretched:
		confidence := clamp(0.5+last.Momentum20, 0.5, 0.95)
		if last.FundamentalAvailable {
			confidence = clamp(confidence*(0.7+0.6*last.FundamentalScore), 0.1, 0.95)
		}
		return []Candidate{{
			Symbol:            last.Symbol,
			Action:            "BUY",
			Confidence:        confidence,
			Reason:            fmt.Sprintf("momentum20 %.3f above floor %.3f, close above MA20", last.Momentum20, momentumFloor),
			SuggestedPosition: basePosition,
		}}
	case aboveMA && trending && stretched:
		return []Candidate{{
			Symbol:     last.Symbol,
			Action:     "WATCH",
			Confidence: 0.4,
			Reason:     fmt.Sprintf("trend intact but z-score %.2f above %.2f, waiting for pullback", last.ZScore20, maxZScore),
		}}
	}
	return nil
}
