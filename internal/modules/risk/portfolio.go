package risk

import (
	"fmt"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/pkg/formulas"
)

// EvaluatePortfolio runs the portfolio-level pipeline: concentration,
// daily-loss breach, consecutive-loss circuit breaker, and historical VaR/ES
// over the provided return series.
func (e *Engine) EvaluatePortfolio(snap PortfolioSnapshot) Evaluation {
	var hits []RuleHit

	hits = append(hits, e.concentration("industry_concentration", snap.IndustryWeights, e.cfg.MaxIndustryExposure))
	hits = append(hits, e.concentration("theme_concentration", snap.ThemeWeights, e.cfg.MaxThemeExposure))
	hits = append(hits, e.dailyLoss(snap))
	hits = append(hits, e.consecutiveLosses(snap))
	hits = append(hits, e.valueAtRisk(snap)...)

	return aggregate(hits)
}

func (e *Engine) concentration(name string, weights map[string]float64, cap float64) RuleHit {
	for group, w := range weights {
		if w > cap {
			return fail(name, domain.SeverityWarning,
				fmt.Sprintf("%s weight %.2f exceeds cap %.2f", group, w, cap))
		}
	}
	return pass(name)
}

func (e *Engine) dailyLoss(snap PortfolioSnapshot) RuleHit {
	const name = "daily_loss_breach"
	if n := len(snap.DailyReturns); n > 0 {
		latest := snap.DailyReturns[n-1]
		if latest <= -e.cfg.MaxDailyLoss {
			return fail(name, domain.SeverityCritical,
				fmt.Sprintf("latest daily return %.4f breaches max daily loss %.4f", latest, e.cfg.MaxDailyLoss))
		}
	}
	return pass(name)
}

// consecutiveLosses trips the circuit breaker when the trailing streak of
// negative daily returns reaches the configured threshold.
func (e *Engine) consecutiveLosses(snap PortfolioSnapshot) RuleHit {
	const name = "consecutive_losses"
	streak := 0
	for i := len(snap.DailyReturns) - 1; i >= 0; i-- {
		if snap.DailyReturns[i] >= 0 {
			break
		}
		streak++
	}
	if e.cfg.MaxConsecutiveLosses > 0 && streak >= e.cfg.MaxConsecutiveLosses {
		return fail(name, domain.SeverityCritical,
			fmt.Sprintf("%d consecutive losing days reached circuit-breaker threshold %d", streak, e.cfg.MaxConsecutiveLosses))
	}
	return pass(name)
}

func (e *Engine) valueAtRisk(snap PortfolioSnapshot) []RuleHit {
	varValue, es := formulas.VaRES(snap.DailyReturns, e.cfg.VaRConfidence)

	esHit := pass("expected_shortfall")
	if es >= e.cfg.MaxES && e.cfg.MaxES > 0 {
		esHit = fail("expected_shortfall", domain.SeverityCritical,
			fmt.Sprintf("expected shortfall %.4f at or above max %.4f", es, e.cfg.MaxES))
	}

	varHit := pass("value_at_risk")
	if varValue >= e.cfg.MaxVaR && e.cfg.MaxVaR > 0 {
		varHit = fail("value_at_risk", domain.SeverityWarning,
			fmt.Sprintf("VaR %.4f at or above max %.4f", varValue, e.cfg.MaxVaR))
	}

	return []RuleHit{esHit, varHit}
}
