// Package risk implements the per-signal rule pipeline and the
// portfolio-level checks (concentration, loss breaches, VaR/ES).
package risk

import (
	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/domain"
)

// Signal actions.
const (
	ActionBuy   = "BUY"
	ActionSell  = "SELL"
	ActionWatch = "WATCH"
)

// RuleHit is the outcome of one rule.
type RuleHit struct {
	RuleName string          `json:"rule_name"`
	Passed   bool            `json:"passed"`
	Level    domain.Severity `json:"level"`
	Message  string          `json:"message"`
}

// Evaluation aggregates a pipeline run. Blocked iff any CRITICAL rule failed.
type Evaluation struct {
	Blocked bool            `json:"blocked"`
	Level   domain.Severity `json:"level"`
	Hits    []RuleHit       `json:"hits"`
}

// SignalContext carries everything the signal rules inspect.
type SignalContext struct {
	Symbol            string
	Action            string
	SuggestedPosition float64

	IsST          bool
	IsSuspended   bool
	AvailableQty  float64
	AtLimitUp     bool
	AtLimitDown   bool
	AvgTurnover20 float64

	// Small-capital tradability
	SmallCapitalEnabled bool
	UsableCash          float64
	RequiredCashMinLot  float64
	ExpectedEdgeBps     float64
	RoundtripCostBps    float64
	MinEdgeFloorBps     float64

	// Portfolio context
	CurrentDrawdown           float64
	Industry                  string
	ProjectedIndustryExposure float64

	// Fundamental quality inputs
	FundamentalAvailable bool
	FundamentalPITOK     bool
	FundamentalScore     float64
	FundamentalStaleDays int

	// Vendor-advanced risk inputs; nil when the dataset is absent
	DisclosureRisk *float64
	ForecastChgPct *float64
	PledgeRatio    *float64
}

// PortfolioSnapshot carries the portfolio-level inputs.
type PortfolioSnapshot struct {
	IndustryWeights map[string]float64
	ThemeWeights    map[string]float64
	DailyReturns    []float64
	CurrentDrawdown float64
}

// Engine evaluates contexts against configured thresholds.
type Engine struct {
	cfg config.RiskConfig
}

// NewEngine creates the risk engine.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// aggregate folds hits into the blocked flag and overall level.
func aggregate(hits []RuleHit) Evaluation {
	ev := Evaluation{Level: domain.SeverityInfo, Hits: hits}
	for _, h := range hits {
		if h.Passed {
			continue
		}
		if h.Level == domain.SeverityCritical {
			ev.Blocked = true
			ev.Level = domain.SeverityCritical
		} else if h.Level == domain.SeverityWarning && ev.Level != domain.SeverityCritical {
			ev.Level = domain.SeverityWarning
		}
	}
	return ev
}
