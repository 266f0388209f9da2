// Package pipeline composes the data plane, governance checks, factor
// computation, and the risk engine into the request-level workflows.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/autotune"
	"github.com/redmargin/quantgate/internal/modules/events"
	"github.com/redmargin/quantgate/internal/modules/factors"
	"github.com/redmargin/quantgate/internal/modules/fundamentals"
	"github.com/redmargin/quantgate/internal/modules/governance"
	"github.com/redmargin/quantgate/internal/modules/holdings"
	"github.com/redmargin/quantgate/internal/modules/license"
	"github.com/redmargin/quantgate/internal/modules/pit"
	"github.com/redmargin/quantgate/internal/modules/quality"
	"github.com/redmargin/quantgate/internal/modules/replay"
	"github.com/redmargin/quantgate/internal/modules/risk"
	"github.com/redmargin/quantgate/internal/modules/snapshots"
	"github.com/redmargin/quantgate/internal/providers"
	"github.com/redmargin/quantgate/internal/strategies"
)

// DailyRequest selects symbols and a strategy for one pipeline run.
type DailyRequest struct {
	Symbols          []string               `json:"symbols"`
	Strategy         string                 `json:"strategy"`
	Start            string                 `json:"start"`
	End              string                 `json:"end"`
	Params           map[string]interface{} `json:"params"`
	UseProfile       bool                   `json:"use_profile"`
	WithEvents       bool                   `json:"with_events"`
	WithFundamentals bool                   `json:"with_fundamentals"`
}

// TradePrepSheet is one actionable line of the daily output.
type TradePrepSheet struct {
	SignalID          string          `json:"signal_id"`
	Symbol            string          `json:"symbol"`
	Action            string          `json:"action"`
	Confidence        float64         `json:"confidence"`
	Reason            string          `json:"reason"`
	SuggestedPosition float64         `json:"suggested_position"`
	ExpectedEdgeBps   float64         `json:"expected_edge_bps"`
	RoundtripCostBps  float64         `json:"roundtrip_cost_bps"`
	RequiredCash      float64         `json:"required_cash"`
	RiskBlocked       bool            `json:"risk_blocked"`
	RiskLevel         domain.Severity `json:"risk_level"`
	RiskHits          []risk.RuleHit  `json:"risk_hits"`
}

// SymbolResult is the per-symbol outcome.
type SymbolResult struct {
	Symbol     string           `json:"symbol"`
	Skipped    bool             `json:"skipped"`
	SkipReason string           `json:"skip_reason,omitempty"`
	Provider   string           `json:"provider,omitempty"`
	SnapshotID int64            `json:"snapshot_id,omitempty"`
	Watermark  string           `json:"watermark,omitempty"`
	Quality    *quality.Report  `json:"quality,omitempty"`
	PIT        *pit.Report      `json:"pit,omitempty"`
	Sheets     []TradePrepSheet `json:"sheets"`
}

// DailyResult is the whole run.
type DailyResult struct {
	Strategy  string         `json:"strategy"`
	TradeDate string         `json:"trade_date"`
	ProfileID *int64         `json:"profile_id,omitempty"`
	Symbols   []SymbolResult `json:"symbols"`
}

// Daily wires the component services into the daily workflow.
type Daily struct {
	cfg          *config.Config
	composite    *providers.Composite
	licenses     *license.Service
	quality      *quality.Service
	pit          *pit.Validator
	events       *events.Service
	fundamentals *fundamentals.Service
	snapshots    *snapshots.Registry
	factors      *factors.Engine
	autotune     *autotune.Service
	governance   *governance.Service
	registry     *strategies.Registry
	risk         *risk.Engine
	holdings     *holdings.Store
	replay       *replay.Store
	audit        *audit.Store
	log          zerolog.Logger
}

// Deps bundles the constructor arguments.
type Deps struct {
	Cfg          *config.Config
	Composite    *providers.Composite
	Licenses     *license.Service
	Quality      *quality.Service
	PIT          *pit.Validator
	Events       *events.Service
	Fundamentals *fundamentals.Service
	Snapshots    *snapshots.Registry
	Factors      *factors.Engine
	Autotune     *autotune.Service
	Governance   *governance.Service
	Registry     *strategies.Registry
	Risk         *risk.Engine
	Holdings     *holdings.Store
	Replay       *replay.Store
	Audit        *audit.Store
	Log          zerolog.Logger
}

// NewDaily creates the daily pipeline.
func NewDaily(d Deps) *Daily {
	return &Daily{
		cfg:          d.Cfg,
		composite:    d.Composite,
		licenses:     d.Licenses,
		quality:      d.Quality,
		pit:          d.PIT,
		events:       d.Events,
		fundamentals: d.Fundamentals,
		snapshots:    d.Snapshots,
		factors:      d.Factors,
		autotune:     d.Autotune,
		governance:   d.Governance,
		registry:     d.Registry,
		risk:         d.Risk,
		holdings:     d.Holdings,
		replay:       d.Replay,
		audit:        d.Audit,
		log:          d.Log.With().Str("component", "daily_pipeline").Logger(),
	}
}

// Run executes the daily workflow for every requested symbol. Per-symbol
// failures skip that symbol; the run itself fails only on invalid input or
// governance rejection.
func (p *Daily) Run(ctx context.Context, req DailyRequest) (DailyResult, error) {
	if len(req.Symbols) == 0 {
		return DailyResult{}, apperr.Validation("at least one symbol is required")
	}
	strategy, err := p.registry.Get(req.Strategy)
	if err != nil {
		return DailyResult{}, err
	}
	if p.cfg.EnforceApprovedStrategy {
		approved, err := p.governance.IsApproved(req.Strategy)
		if err != nil {
			return DailyResult{}, err
		}
		if !approved {
			return DailyResult{}, apperr.Governance("strategy %q has no approved version", req.Strategy)
		}
	}

	start, err := domain.ParseDate(req.Start)
	if err != nil {
		return DailyResult{}, apperr.Validation("invalid start date %q", req.Start)
	}
	end, err := domain.ParseDate(req.End)
	if err != nil {
		return DailyResult{}, apperr.Validation("invalid end date %q", req.End)
	}
	if end.Before(start) {
		return DailyResult{}, apperr.Validation("end date precedes start date")
	}

	merged, profile, err := p.autotune.ResolveRuntimeParams(req.Strategy, "", req.Params, req.UseProfile)
	if err != nil {
		return DailyResult{}, err
	}

	result := DailyResult{Strategy: req.Strategy, TradeDate: req.End}
	if profile != nil {
		id := profile.ID
		result.ProfileID = &id
	}

	for _, symbol := range req.Symbols {
		sr := p.runSymbol(ctx, symbol, strategy, merged, start, end, req)
		result.Symbols = append(result.Symbols, sr)
		p.auditSymbol(req.Strategy, sr)
	}
	return result, nil
}

func (p *Daily) runSymbol(ctx context.Context, symbol string, strategy strategies.Strategy,
	params map[string]interface{}, start, end time.Time, req DailyRequest) SymbolResult {

	sr := SymbolResult{Symbol: symbol, Sheets: []TradePrepSheet{}}

	providerName, bars, err := p.composite.GetDailyBars(ctx, symbol, start, end)
	if err != nil {
		sr.Skipped = true
		sr.SkipReason = "N/A: " + err.Error()
		return sr
	}
	sr.Provider = providerName

	decision, err := p.licenses.Check("daily_bars", providerName, "research", false, 0, end)
	if err != nil {
		sr.Skipped = true
		sr.SkipReason = "license check failed: " + err.Error()
		return sr
	}
	sr.Watermark = decision.Watermark
	if p.cfg.EnforceDataLicense && !decision.Allowed {
		sr.Skipped = true
		sr.SkipReason = "license denied: " + decision.Reason
		return sr
	}

	qReport := p.quality.CheckBars(bars, quality.DefaultRequiredColumns)
	sr.Quality = &qReport
	pReport := p.pit.CheckBars(bars, end.Add(24*time.Hour))
	sr.PIT = &pReport
	if !qReport.Passed || !pReport.Passed {
		// Register the raw frame anyway so the rejection is reproducible.
		sr.SnapshotID = p.registerSnapshot(symbol, providerName, bars, start, end)
		sr.Skipped = true
		sr.SkipReason = "data rejected by quality or point-in-time checks"
		return sr
	}

	p.overlayStatus(ctx, symbol, bars)

	enriched, err := p.enrich(ctx, symbol, bars, end, req)
	if err != nil {
		sr.Skipped = true
		sr.SkipReason = "enrichment failed: " + err.Error()
		return sr
	}

	sr.SnapshotID = p.registerSnapshot(symbol, providerName, bars, start, end)

	rows := p.factors.Compute(enriched)
	heldQty := p.heldQuantity(symbol)
	candidates := strategy.Generate(rows, strategies.Context{
		Symbol:    symbol,
		TradeDate: end.Format(domain.DateLayout),
		Params:    params,
		HeldQty:   heldQty,
	})

	last := rows[len(rows)-1]
	for _, cand := range candidates {
		sr.Sheets = append(sr.Sheets, p.prepare(cand, last, heldQty, req.Strategy))
	}
	return sr
}

// overlayStatus writes the provider's listing flags onto every bar, keeping
// the bar-level flags as fallback when the status call fails.
func (p *Daily) overlayStatus(ctx context.Context, symbol string, bars []domain.Bar) {
	status, err := p.composite.GetSecurityStatus(ctx, symbol)
	if err != nil {
		p.log.Debug().Err(err).Str("symbol", symbol).Msg("Security status unavailable, keeping bar flags")
		return
	}
	for i := range bars {
		bars[i].IsST = status.IsST
		bars[i].IsSuspended = bars[i].IsSuspended || status.IsSuspended
	}
}

// enrich layers event and fundamental columns onto the frame as requested.
func (p *Daily) enrich(ctx context.Context, symbol string, bars []domain.Bar, end time.Time, req DailyRequest) ([]domain.EnrichedBar, error) {
	var enriched []domain.EnrichedBar
	if req.WithEvents || req.Strategy == "event_driven" {
		var err error
		enriched, err = p.events.EnrichBars(symbol, bars, 0, 0)
		if err != nil {
			return nil, err
		}
	} else {
		enriched = make([]domain.EnrichedBar, len(bars))
		for i, b := range bars {
			enriched[i] = domain.EnrichedBar{Bar: b}
		}
	}
	if req.WithFundamentals {
		p.fundamentals.EnrichBars(ctx, symbol, enriched, end, fundamentals.Options{})
	}
	return enriched, nil
}

func (p *Daily) registerSnapshot(symbol, provider string, bars []domain.Bar, start, end time.Time) int64 {
	id, err := p.snapshots.Register(snapshots.Snapshot{
		DatasetName:   "daily_bars",
		Symbol:        symbol,
		StartDate:     start,
		EndDate:       end,
		Provider:      provider,
		RowCount:      len(bars),
		SchemaVersion: "1",
		ContentHash:   snapshots.HashBars(bars),
	})
	if err != nil {
		p.log.Error().Err(err).Str("symbol", symbol).Msg("Snapshot registration failed")
		return 0
	}
	return id
}

func (p *Daily) heldQuantity(symbol string) float64 {
	pos, err := p.holdings.Get(symbol)
	if err != nil {
		return 0
	}
	return pos.AvailableQuantity
}

// prepare applies the small-capital overrides, runs the risk pipeline, records
// the signal, and builds the prep sheet.
func (p *Daily) prepare(cand strategies.Candidate, last factors.FeatureRow, heldQty float64, strategyName string) TradePrepSheet {
	sc := p.cfg.SmallCapital

	requiredCash := float64(sc.LotSize) * last.Close
	usableCash := p.usableCash()
	expectedEdge := expectedEdgeBps(cand, last)

	if sc.Enabled && cand.Action == risk.ActionBuy {
		if usableCash < requiredCash {
			cand.Action = risk.ActionWatch
			cand.Reason = "Not enough usable cash for one lot; " + cand.Reason
		} else if cand.SuggestedPosition > sc.MaxPositionRatio {
			cand.Action = risk.ActionWatch
			cand.Reason = fmt.Sprintf("Suggested position %.2f exceeds small-capital cap %.2f; %s",
				cand.SuggestedPosition, sc.MaxPositionRatio, cand.Reason)
		}
	}

	sigCtx := risk.SignalContext{
		Symbol:            cand.Symbol,
		Action:            cand.Action,
		SuggestedPosition: cand.SuggestedPosition,

		IsST:          last.IsST,
		IsSuspended:   last.IsSuspended,
		AvailableQty:  heldQty,
		AvgTurnover20: last.Turnover20,

		SmallCapitalEnabled: sc.Enabled,
		UsableCash:          usableCash,
		RequiredCashMinLot:  requiredCash,
		ExpectedEdgeBps:     expectedEdge,
		RoundtripCostBps:    sc.CostBps,
		MinEdgeFloorBps:     sc.MinEdgeFloorBps,

		FundamentalAvailable: last.FundamentalAvailable,
		FundamentalPITOK:     last.Fundamental == nil || last.Fundamental.PITOK,
		FundamentalScore:     last.FundamentalScore,
	}
	if last.Fundamental != nil {
		sigCtx.FundamentalStaleDays = last.Fundamental.StaleDays
	}
	if last.Advanced != nil {
		sigCtx.DisclosureRisk = last.Advanced.DisclosureRisk
		sigCtx.ForecastChgPct = last.Advanced.ForecastChgPct
		sigCtx.PledgeRatio = last.Advanced.PledgeRatio
	}

	evaluation := p.risk.Evaluate(sigCtx)

	var suggested *float64
	if cand.SuggestedPosition > 0 {
		v := cand.SuggestedPosition
		suggested = &v
	}
	signalID, err := p.replay.RecordSignal(replay.SignalRecord{
		Symbol:            cand.Symbol,
		StrategyName:      strategyName,
		TradeDate:         last.TradeDate.Format(domain.DateLayout),
		Action:            cand.Action,
		Confidence:        cand.Confidence,
		Reason:            cand.Reason,
		SuggestedPosition: suggested,
	}, last.Close)
	if err != nil {
		p.log.Error().Err(err).Str("symbol", cand.Symbol).Msg("Failed to record signal")
	}

	return TradePrepSheet{
		SignalID:          signalID,
		Symbol:            cand.Symbol,
		Action:            cand.Action,
		Confidence:        cand.Confidence,
		Reason:            cand.Reason,
		SuggestedPosition: cand.SuggestedPosition,
		ExpectedEdgeBps:   expectedEdge,
		RoundtripCostBps:  sc.CostBps,
		RequiredCash:      requiredCash,
		RiskBlocked:       evaluation.Blocked,
		RiskLevel:         evaluation.Level,
		RiskHits:          evaluation.Hits,
	}
}

// usableCash is the account balance net of the configured reserve, falling
// back to the configured principal when the account was never funded.
func (p *Daily) usableCash() float64 {
	sc := p.cfg.SmallCapital
	cash, err := p.holdings.Cash()
	if err != nil || cash <= 0 {
		cash = sc.Principal
	}
	return cash * (1 - sc.CashReserveRatio)
}

// expectedEdgeBps estimates the tradable edge: recent momentum scaled by the
// strategy's confidence.
func expectedEdgeBps(cand strategies.Candidate, last factors.FeatureRow) float64 {
	momentum := last.Momentum20
	if momentum != momentum { // NaN
		momentum = 0
	}
	edge := momentum * 10000 * cand.Confidence
	if edge < 0 {
		edge = 0
	}
	return edge
}

func (p *Daily) auditSymbol(strategy string, sr SymbolResult) {
	blocked := 0
	for _, sheet := range sr.Sheets {
		if sheet.RiskBlocked {
			blocked++
		}
	}
	status := "OK"
	if sr.Skipped {
		status = "ERROR"
	}
	p.audit.Log("daily_pipeline", "run_symbol", status, map[string]interface{}{
		"strategy":    strategy,
		"symbol":      sr.Symbol,
		"skipped":     sr.Skipped,
		"skip_reason": sr.SkipReason,
		"provider":    sr.Provider,
		"snapshot_id": sr.SnapshotID,
		"signals":     len(sr.Sheets),
		"blocked":     blocked > 0,
	})
}
