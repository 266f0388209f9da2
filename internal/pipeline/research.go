package pipeline

import (
	"context"

	"github.com/redmargin/quantgate/internal/modules/risk"
)

// Allocation is one proposed portfolio weight for an unblocked buy.
type Allocation struct {
	Symbol     string  `json:"symbol"`
	SignalID   string  `json:"signal_id"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// ResearchResult extends the daily run with portfolio-level findings.
type ResearchResult struct {
	DailyResult

	Portfolio   risk.Evaluation `json:"portfolio"`
	Allocations []Allocation    `json:"allocations"`
}

// ResearchRequest adds the portfolio return series to the daily request.
type ResearchRequest struct {
	DailyRequest

	DailyReturns    []float64 `json:"daily_returns"`
	CurrentDrawdown float64   `json:"current_drawdown"`
}

// RunResearch runs the daily workflow, evaluates the current portfolio, and
// sizes the unblocked buys by confidence under the single-position cap.
func (p *Daily) RunResearch(ctx context.Context, req ResearchRequest) (ResearchResult, error) {
	daily, err := p.Run(ctx, req.DailyRequest)
	if err != nil {
		return ResearchResult{}, err
	}
	result := ResearchResult{DailyResult: daily}

	snap, err := p.holdings.PortfolioSnapshot(req.DailyReturns, req.CurrentDrawdown)
	if err != nil {
		return ResearchResult{}, err
	}
	result.Portfolio = p.risk.EvaluatePortfolio(snap)
	p.audit.Log("portfolio_risk", "evaluate", "OK", map[string]interface{}{
		"strategy": req.Strategy,
		"blocked":  result.Portfolio.Blocked,
		"level":    string(result.Portfolio.Level),
	})

	if result.Portfolio.Blocked {
		return result, nil
	}

	var buys []TradePrepSheet
	totalConfidence := 0.0
	for _, sr := range daily.Symbols {
		for _, sheet := range sr.Sheets {
			if sheet.Action == risk.ActionBuy && !sheet.RiskBlocked {
				buys = append(buys, sheet)
				totalConfidence += sheet.Confidence
			}
		}
	}
	if totalConfidence <= 0 {
		return result, nil
	}

	maxPos := p.cfg.Risk.MaxSinglePosition
	for _, sheet := range buys {
		weight := sheet.Confidence / totalConfidence
		if weight > maxPos {
			weight = maxPos
		}
		result.Allocations = append(result.Allocations, Allocation{
			Symbol:     sheet.Symbol,
			SignalID:   sheet.SignalID,
			Weight:     weight,
			Confidence: sheet.Confidence,
		})
	}
	return result, nil
}
