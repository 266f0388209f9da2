package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/quality"
	"github.com/redmargin/quantgate/internal/modules/risk"
	"github.com/redmargin/quantgate/internal/strategies"
	"github.com/redmargin/quantgate/pkg/formulas"
)

// BacktestRequest replays one strategy over a historical window for a single
// symbol under a virtual book.
type BacktestRequest struct {
	Symbol      string                 `json:"symbol"`
	Strategy    string                 `json:"strategy"`
	Start       string                 `json:"start"`
	End         string                 `json:"end"`
	Params      map[string]interface{} `json:"params"`
	UseProfile  bool                   `json:"use_profile"`
	InitialCash float64                `json:"initial_cash"`
}

// BacktestTrade is one simulated fill. Fills happen at the next bar's close,
// never at the signal bar, to keep the replay point-in-time honest.
type BacktestTrade struct {
	TradeDate  string  `json:"trade_date"`
	Action     string  `json:"action"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// EquityPoint is one mark of the virtual book.
type EquityPoint struct {
	TradeDate string  `json:"trade_date"`
	Equity    float64 `json:"equity"`
}

// BacktestResult summarizes the replay.
type BacktestResult struct {
	Symbol      string          `json:"symbol"`
	Strategy    string          `json:"strategy"`
	Provider    string          `json:"provider"`
	Start       string          `json:"start"`
	End         string          `json:"end"`
	BarCount    int             `json:"bar_count"`
	InitialCash float64         `json:"initial_cash"`
	FinalEquity float64         `json:"final_equity"`
	TotalReturn float64         `json:"total_return"`
	MaxDrawdown float64         `json:"max_drawdown"`
	VaR         float64         `json:"var"`
	ES          float64         `json:"es"`
	Trades      []BacktestTrade `json:"trades"`
	EquityCurve []EquityPoint   `json:"equity_curve"`
}

// RunBacktest replays the strategy bar by bar. Each bar sees only the frame
// up to itself; a candidate on bar i fills at bar i+1's close in whole lots.
func (p *Daily) RunBacktest(ctx context.Context, req BacktestRequest) (BacktestResult, error) {
	if req.Symbol == "" {
		return BacktestResult{}, apperr.Validation("symbol is required")
	}
	strategy, err := p.registry.Get(req.Strategy)
	if err != nil {
		return BacktestResult{}, err
	}
	if p.cfg.EnforceApprovedStrategy {
		approved, err := p.governance.IsApproved(req.Strategy)
		if err != nil {
			return BacktestResult{}, err
		}
		if !approved {
			return BacktestResult{}, apperr.Governance("strategy %q has no approved version", req.Strategy)
		}
	}
	start, err := domain.ParseDate(req.Start)
	if err != nil {
		return BacktestResult{}, apperr.Validation("invalid start date %q", req.Start)
	}
	end, err := domain.ParseDate(req.End)
	if err != nil {
		return BacktestResult{}, apperr.Validation("invalid end date %q", req.End)
	}
	if end.Before(start) {
		return BacktestResult{}, apperr.Validation("end date precedes start date")
	}
	if req.InitialCash <= 0 {
		req.InitialCash = p.cfg.SmallCapital.Principal
	}
	if req.InitialCash <= 0 {
		return BacktestResult{}, apperr.Validation("initial cash is required")
	}

	merged, _, err := p.autotune.ResolveRuntimeParams(req.Strategy, req.Symbol, req.Params, req.UseProfile)
	if err != nil {
		return BacktestResult{}, err
	}

	providerName, bars, err := p.composite.GetDailyBars(ctx, req.Symbol, start, end)
	if err != nil {
		return BacktestResult{}, err
	}
	qReport := p.quality.CheckBars(bars, quality.DefaultRequiredColumns)
	pReport := p.pit.CheckBars(bars, end.Add(24*time.Hour))
	if !qReport.Passed || !pReport.Passed {
		return BacktestResult{}, apperr.Validation("bars rejected by quality or point-in-time checks")
	}
	p.registerSnapshot(req.Symbol, providerName, bars, start, end)

	enriched, err := p.enrich(ctx, req.Symbol, bars, end, DailyRequest{Strategy: req.Strategy})
	if err != nil {
		return BacktestResult{}, err
	}
	rows := p.factors.Compute(enriched)
	result := BacktestResult{
		Symbol:      req.Symbol,
		Strategy:    req.Strategy,
		Provider:    providerName,
		Start:       req.Start,
		End:         req.End,
		BarCount:    len(rows),
		InitialCash: req.InitialCash,
		Trades:      []BacktestTrade{},
	}

	lot := float64(p.cfg.SmallCapital.LotSize)
	if lot <= 0 {
		lot = 100
	}

	cash := req.InitialCash
	held := 0.0
	for i, row := range rows {
		if i+1 < len(rows) {
			cands := strategy.Generate(rows[:i+1], strategies.Context{
				Symbol:    req.Symbol,
				TradeDate: row.TradeDate.Format(domain.DateLayout),
				Params:    merged,
				HeldQty:   held,
			})
			fill := rows[i+1]
			for _, cand := range cands {
				switch cand.Action {
				case risk.ActionBuy:
					if held > 0 || fill.Close <= 0 {
						continue
					}
					lots := math.Floor(cash / (fill.Close * lot))
					if lots <= 0 {
						continue
					}
					qty := lots * lot
					cash -= qty * fill.Close
					held = qty
					result.Trades = append(result.Trades, BacktestTrade{
						TradeDate:  fill.TradeDate.Format(domain.DateLayout),
						Action:     cand.Action,
						Price:      fill.Close,
						Quantity:   qty,
						Confidence: cand.Confidence,
						Reason:     cand.Reason,
					})
				case risk.ActionSell:
					if held <= 0 {
						continue
					}
					cash += held * fill.Close
					result.Trades = append(result.Trades, BacktestTrade{
						TradeDate:  fill.TradeDate.Format(domain.DateLayout),
						Action:     cand.Action,
						Price:      fill.Close,
						Quantity:   held,
						Confidence: cand.Confidence,
						Reason:     cand.Reason,
					})
					held = 0
				}
			}
		}
		result.EquityCurve = append(result.EquityCurve, EquityPoint{
			TradeDate: row.TradeDate.Format(domain.DateLayout),
			Equity:    cash + held*row.Close,
		})
	}

	equity := make([]float64, len(result.EquityCurve))
	peak := 0.0
	for i, pt := range result.EquityCurve {
		equity[i] = pt.Equity
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			dd := (peak - pt.Equity) / peak
			if dd > result.MaxDrawdown {
				result.MaxDrawdown = dd
			}
		}
	}
	if n := len(equity); n > 0 {
		result.FinalEquity = equity[n-1]
		result.TotalReturn = result.FinalEquity/req.InitialCash - 1
		result.VaR, result.ES = formulas.VaRES(formulas.Returns(equity), p.cfg.Risk.VaRConfidence)
	}

	p.audit.Log("backtest", "run", "OK", map[string]interface{}{
		"symbol":       req.Symbol,
		"strategy":     req.Strategy,
		"provider":     providerName,
		"bars":         result.BarCount,
		"trades":       len(result.Trades),
		"total_return": result.TotalReturn,
		"max_drawdown": result.MaxDrawdown,
	})
	return result, nil
}
