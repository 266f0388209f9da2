package risk

import (
	"fmt"

	"github.com/redmargin/quantgate/internal/domain"
)

// Evaluate runs the fixed signal rule pipeline in order and aggregates the
// hits. The pipeline never shortcuts: every rule reports even when an
// earlier one already blocked.
func (e *Engine) Evaluate(ctx SignalContext) Evaluation {
	rules := []func(SignalContext) RuleHit{
		e.tPlusOne,
		e.stFilter,
		e.suspensionFilter,
		e.limitPrice,
		e.singlePositionLimit,
		e.liquidity,
		e.smallCapitalTradability,
		e.drawdown,
		e.industryExposure,
		e.fundamentalQuality,
		e.disclosureAndOverhang,
	}
	hits := make([]RuleHit, 0, len(rules))
	for _, rule := range rules {
		hits = append(hits, rule(ctx))
	}
	return aggregate(hits)
}

func pass(name string) RuleHit {
	return RuleHit{RuleName: name, Passed: true, Level: domain.SeverityInfo}
}

func fail(name string, level domain.Severity, msg string) RuleHit {
	return RuleHit{RuleName: name, Passed: false, Level: level, Message: msg}
}

// tPlusOne blocks a SELL with no available (settled) quantity.
func (e *Engine) tPlusOne(ctx SignalContext) RuleHit {
	const name = "t_plus_one"
	if ctx.Action == ActionSell && ctx.AvailableQty <= 0 {
		return fail(name, domain.SeverityCritical, "no available quantity to sell under T+1")
	}
	return pass(name)
}

// stFilter blocks buying special-treatment listings.
func (e *Engine) stFilter(ctx SignalContext) RuleHit {
	const name = "st_filter"
	if ctx.Action == ActionBuy && ctx.IsST {
		return fail(name, domain.SeverityCritical, "symbol is under special treatment")
	}
	return pass(name)
}

func (e *Engine) suspensionFilter(ctx SignalContext) RuleHit {
	const name = "suspension_filter"
	if (ctx.Action == ActionBuy || ctx.Action == ActionSell) && ctx.IsSuspended {
		return fail(name, domain.SeverityCritical, "symbol is suspended")
	}
	return pass(name)
}

func (e *Engine) limitPrice(ctx SignalContext) RuleHit {
	const name = "limit_price"
	if ctx.Action == ActionBuy && ctx.AtLimitUp {
		return fail(name, domain.SeverityWarning, "buying at limit-up is unlikely to fill")
	}
	if ctx.Action == ActionSell && ctx.AtLimitDown {
		return fail(name, domain.SeverityWarning, "selling at limit-down is unlikely to fill")
	}
	return pass(name)
}

func (e *Engine) singlePositionLimit(ctx SignalContext) RuleHit {
	const name = "single_position_limit"
	if ctx.Action == ActionBuy && ctx.SuggestedPosition > e.cfg.MaxSinglePosition {
		return fail(name, domain.SeverityCritical,
			fmt.Sprintf("suggested position %.2f exceeds cap %.2f", ctx.SuggestedPosition, e.cfg.MaxSinglePosition))
	}
	return pass(name)
}

func (e *Engine) liquidity(ctx SignalContext) RuleHit {
	const name = "liquidity"
	if ctx.AvgTurnover20 > 0 && ctx.AvgTurnover20 < e.cfg.MinTurnover20d {
		return fail(name, domain.SeverityWarning,
			fmt.Sprintf("20d average turnover %.0f below floor %.0f", ctx.AvgTurnover20, e.cfg.MinTurnover20d))
	}
	return pass(name)
}

// smallCapitalTradability checks one-lot affordability and edge-vs-cost for
// small principals. Selling needs no fresh cash, so SELL always passes; WATCH
// candidates downgraded from an unaffordable BUY still carry the hit.
func (e *Engine) smallCapitalTradability(ctx SignalContext) RuleHit {
	const name = "small_capital_tradability"
	if !ctx.SmallCapitalEnabled || ctx.Action == ActionSell {
		return pass(name)
	}
	if ctx.UsableCash < ctx.RequiredCashMinLot {
		return fail(name, domain.SeverityCritical,
			fmt.Sprintf("usable cash %.0f below one-lot requirement %.0f", ctx.UsableCash, ctx.RequiredCashMinLot))
	}
	if ctx.ExpectedEdgeBps < ctx.RoundtripCostBps+ctx.MinEdgeFloorBps {
		return fail(name, domain.SeverityWarning,
			fmt.Sprintf("expected edge %.1f bps below cost %.1f bps plus floor", ctx.ExpectedEdgeBps, ctx.RoundtripCostBps))
	}
	return pass(name)
}

func (e *Engine) drawdown(ctx SignalContext) RuleHit {
	const name = "drawdown"
	if ctx.CurrentDrawdown > e.cfg.MaxDrawdown {
		return fail(name, domain.SeverityCritical,
			fmt.Sprintf("portfolio drawdown %.2f exceeds max %.2f", ctx.CurrentDrawdown, e.cfg.MaxDrawdown))
	}
	return pass(name)
}

func (e *Engine) industryExposure(ctx SignalContext) RuleHit {
	const name = "industry_exposure"
	if ctx.Action == ActionBuy && ctx.ProjectedIndustryExposure > e.cfg.MaxIndustryExposure {
		return fail(name, domain.SeverityWarning,
			fmt.Sprintf("projected %s exposure %.2f exceeds cap %.2f", ctx.Industry, ctx.ProjectedIndustryExposure, e.cfg.MaxIndustryExposure))
	}
	return pass(name)
}

func (e *Engine) fundamentalQuality(ctx SignalContext) RuleHit {
	const name = "fundamental_quality"
	if ctx.Action != ActionBuy {
		return pass(name)
	}
	if ctx.FundamentalAvailable {
		if !ctx.FundamentalPITOK {
			return fail(name, domain.SeverityCritical, "fundamental snapshot failed the point-in-time check")
		}
		if ctx.FundamentalScore < e.cfg.FundamentalCritScore {
			return fail(name, domain.SeverityCritical,
				fmt.Sprintf("fundamental score %.2f below critical floor %.2f", ctx.FundamentalScore, e.cfg.FundamentalCritScore))
		}
		if ctx.FundamentalScore < e.cfg.FundamentalWarnScore {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("fundamental score %.2f below warning floor %.2f", ctx.FundamentalScore, e.cfg.FundamentalWarnScore))
		}
		if ctx.FundamentalStaleDays > e.cfg.FundamentalMaxStale {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("fundamental data is %d days stale", ctx.FundamentalStaleDays))
		}
	} else if e.cfg.RequireFundamentalData {
		return fail(name, domain.SeverityWarning, "fundamental data missing for buy candidate")
	}
	return pass(name)
}

// disclosureAndOverhang screens vendor disclosure risk, guided profit
// deterioration, and pledge overhang on buys.
func (e *Engine) disclosureAndOverhang(ctx SignalContext) RuleHit {
	const name = "tushare_disclosure_and_overhang"
	if ctx.Action != ActionBuy {
		return pass(name)
	}
	if ctx.DisclosureRisk != nil {
		if *ctx.DisclosureRisk >= e.cfg.DisclosureCritScore {
			return fail(name, domain.SeverityCritical,
				fmt.Sprintf("disclosure risk %.2f at or above critical %.2f", *ctx.DisclosureRisk, e.cfg.DisclosureCritScore))
		}
		if *ctx.DisclosureRisk >= e.cfg.DisclosureWarnScore {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("disclosure risk %.2f elevated", *ctx.DisclosureRisk))
		}
	}
	if ctx.ForecastChgPct != nil {
		if *ctx.ForecastChgPct < e.cfg.ForecastCritPct {
			return fail(name, domain.SeverityCritical,
				fmt.Sprintf("guided profit change %.1f%% below critical %.1f%%", *ctx.ForecastChgPct, e.cfg.ForecastCritPct))
		}
		if *ctx.ForecastChgPct < e.cfg.ForecastWarnPct {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("guided profit change %.1f%% deteriorating", *ctx.ForecastChgPct))
		}
	}
	if ctx.PledgeRatio != nil {
		if *ctx.PledgeRatio >= e.cfg.PledgeCritRatio {
			return fail(name, domain.SeverityCritical,
				fmt.Sprintf("pledge ratio %.2f at or above critical %.2f", *ctx.PledgeRatio, e.cfg.PledgeCritRatio))
		}
		if *ctx.PledgeRatio >= e.cfg.PledgeWarnRatio {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("pledge ratio %.2f elevated", *ctx.PledgeRatio))
		}
	}
	return pass(name)
}
