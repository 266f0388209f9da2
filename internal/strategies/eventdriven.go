package strategies

import (
	"fmt"

	"github.com/redmargin/quantgate/internal/modules/factors"
)

// EventDriven trades on decayed corporate-event pressure: a strong positive
// event score with quiet negatives is a buy, a dominant negative score exits.
type EventDriven struct{}

// NewEventDriven creates the event-driven strategy.
func NewEventDriven() *EventDriven {
	return &EventDriven{}
}

// Name implements Strategy.
func (e *EventDriven) Name() string {
	return "event_driven"
}

// Generate implements Strategy.
//
// Tunable params: buy_score (default 0.5), exit_negative_score (default
// 0.4), base_position (default 0.08).
func (e *EventDriven) Generate(features []factors.FeatureRow, ctx Context) []Candidate {
	if len(features) == 0 {
		return nil
	}
	last := features[len(features)-1]

	buyScore := paramFloat(ctx.Params, "buy_score", 0.5)
	exitNegative := paramFloat(ctx.Params, "exit_negative_score", 0.4)
	basePosition := paramFloat(ctx.Params, "base_position", 0.08)

	net := last.EventScore - last.NegativeEventScore

	switch {
	case ctx.HeldQty > 0 && last.NegativeEventScore >= exitNegative && net < 0:
		return []Candidate{{
			Symbol:     last.Symbol,
			Action:     "SELL",
			Confidence: clamp(0.5+last.NegativeEventScore/2, 0.5, 0.9),
			Reason:     fmt.Sprintf("negative event pressure %.2f dominates (net %.2f)", last.NegativeEventScore, net),
		}}
	case last.EventScore >= buyScore && net > 0:
		confidence := clamp(0.4+net/2, 0.4, 0.9)
		if last.DisclosureRiskScore > 0.5 {
			confidence *= 0.7
		}
		return []Candidate{{
			Symbol:            last.Symbol,
			Action:            "BUY",
			Confidence:        confidence,
			Reason:            fmt.Sprintf("event score %.2f above %.2f with %d positive events in window", last.EventScore, buyScore, last.PositiveEventCount),
			SuggestedPosition: basePosition,
		}}
	case last.EventScore > 0 || last.NegativeEventScore > 0:
		return []Candidate{{
			Symbol:     last.Symbol,
			Action:     "WATCH",
			Confidence: 0.3,
			Reason:     fmt.Sprintf("mixed event pressure: +%.2f / -%.2f", last.EventScore, last.NegativeEventScore),
		}}
	}
	return nil
}
