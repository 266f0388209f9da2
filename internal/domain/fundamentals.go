package domain

import "time"

// FundamentalSnapshot is one point-in-time view of a symbol's fundamentals.
// Metric pointers are nil when the provider has no value.
type FundamentalSnapshot struct {
	Symbol      string
	AsOf        time.Time
	ReportDate  *time.Time
	PublishDate *time.Time
	Source      string

	ROE          *float64
	RevenueYoY   *float64
	NetProfitYoY *float64
	GrossMargin  *float64
	DebtToAsset  *float64
	OCFToProfit  *float64
	EPS          *float64
}

// HasAnyMetric reports whether at least one metric is populated.
func (s FundamentalSnapshot) HasAnyMetric() bool {
	return s.ROE != nil || s.RevenueYoY != nil || s.NetProfitYoY != nil ||
		s.GrossMargin != nil || s.DebtToAsset != nil || s.OCFToProfit != nil ||
		s.EPS != nil
}

// FundamentalCols are the columns the PIT enrichment joins onto a bar frame.
type FundamentalCols struct {
	ROE          *float64
	RevenueYoY   *float64
	NetProfitYoY *float64
	GrossMargin  *float64
	DebtToAsset  *float64
	OCFToProfit  *float64
	EPS          *float64

	Available bool
	PITOK     bool
	StaleDays int // -1 when unknown
	IsStale   bool
	Source    string

	ReportDate  *time.Time
	PublishDate *time.Time
}

// AdvancedCols are the vendor-advanced dataset columns (turnover, valuation
// bands, money flow, disclosure and overhang risk) when the provider exposes
// them. All pointers; the factor engine backs off to neutral when absent.
type AdvancedCols struct {
	TurnoverRate     *float64
	PEPercentile     *float64 // 0..1 within trailing window
	PBPercentile     *float64
	MoneyflowNet     *float64 // net inflow, CNY
	FreeFloatMktCap  *float64
	DisclosureRisk   *float64 // 0..1
	ForecastChgPct   *float64 // guided net-profit change, percent
	PledgeRatio      *float64 // 0..1
	UnlockPctFloat   *float64 // upcoming unlock as share of float
}

// MarketStyleSnapshot summarizes cross-sectional market style for a date.
type MarketStyleSnapshot struct {
	TradeDate      time.Time
	SmallCapExcess *float64
	GrowthExcess   *float64
	TurnoverRatio  *float64
	Source         string
}

// EnrichedBar is a bar plus the columns added by event and fundamental
// enrichment. Pipelines build frames of these before factor computation.
type EnrichedBar struct {
	Bar

	EventScore         float64
	NegativeEventScore float64
	EventCount         int
	PositiveEventCount int
	NegativeEventCount int

	Fundamental *FundamentalCols
	Advanced    *AdvancedCols
}
