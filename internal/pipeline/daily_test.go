package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

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

// stubProvider serves a deterministic rising daily series with every calendar
// day open, which keeps the composite cache's gap detection trivial.
type stubProvider struct {
	failBars bool
	status   domain.SecurityStatus
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) GetDailyBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if s.failBars {
		return nil, errors.New("provider down")
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []domain.Bar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		offset := int(d.Sub(base).Hours() / 24)
		price := 60 + float64(offset)
		out = append(out, domain.Bar{
			TradeDate: d,
			Symbol:    symbol,
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: 100000, Amount: 5e7,
		})
	}
	return out, nil
}

func (s *stubProvider) GetTradeCalendar(_ context.Context, start, end time.Time) ([]domain.TradingDay, error) {
	var out []domain.TradingDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, domain.TradingDay{TradeDate: d, IsOpen: true})
	}
	return out, nil
}

func (s *stubProvider) GetSecurityStatus(_ context.Context, symbol string) (domain.SecurityStatus, error) {
	return s.status, nil
}

func testConfig() *config.Config {
	return &config.Config{
		RequiredApprovalRoles: []string{"risk", "audit"},
		MinApprovalCount:      2,
		Risk: config.RiskConfig{
			MaxSinglePosition:    0.2,
			MaxDrawdown:          0.2,
			MinTurnover20d:       10_000_000,
			MaxIndustryExposure:  0.35,
			MaxThemeExposure:     0.45,
			MaxDailyLoss:         0.03,
			MaxConsecutiveLosses: 5,
			VaRConfidence:        0.95,
			MaxVaR:               0.04,
			MaxES:                0.06,
			FundamentalWarnScore: 0.35,
			FundamentalCritScore: 0.2,
			FundamentalMaxStale:  540,
			DisclosureCritScore:  0.8,
			DisclosureWarnScore:  0.6,
			ForecastCritPct:      -50,
			ForecastWarnPct:      -20,
			PledgeCritRatio:      0.5,
			PledgeWarnRatio:      0.3,
		},
		SmallCapital: config.SmallCapitalConfig{
			Principal:        20000,
			LotSize:          100,
			CashReserveRatio: 0.1,
			CostBps:          25,
			MinEdgeFloorBps:  10,
			MaxPositionRatio: 0.4,
		},
	}
}

type harness struct {
	daily      *Daily
	replay     *replay.Store
	audit      *audit.Store
	governance *governance.Service
	licenses   *license.Service
}

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newHarness(t *testing.T, cfg *config.Config, prov providers.Provider) *harness {
	t.Helper()
	log := zerolog.Nop()

	cache, err := providers.NewBarCache(memDB(t), log)
	require.NoError(t, err)
	composite := providers.NewComposite([]providers.Provider{prov}, cache, 100, log)

	licenses, err := license.NewService(memDB(t), log)
	require.NoError(t, err)
	eventStore, err := events.NewStore(memDB(t), log)
	require.NoError(t, err)
	validator := pit.NewValidator(log)
	eventSvc := events.NewService(eventStore, validator, log)
	registry, err := snapshots.NewRegistry(memDB(t), log)
	require.NoError(t, err)
	tuner, err := autotune.NewService(memDB(t), log)
	require.NoError(t, err)
	gov, err := governance.NewService(memDB(t), cfg.RequiredApprovalRoles, cfg.MinApprovalCount, log)
	require.NoError(t, err)
	book, err := holdings.NewStore(memDB(t), log)
	require.NoError(t, err)
	signals, err := replay.NewStore(memDB(t), log)
	require.NoError(t, err)
	auditStore, err := audit.NewStore(memDB(t), log)
	require.NoError(t, err)

	daily := NewDaily(Deps{
		Cfg:          cfg,
		Composite:    composite,
		Licenses:     licenses,
		Quality:      quality.NewService(log),
		PIT:          validator,
		Events:       eventSvc,
		Fundamentals: fundamentals.NewService(composite, log),
		Snapshots:    registry,
		Factors:      factors.NewEngine(log),
		Autotune:     tuner,
		Governance:   gov,
		Registry:     strategies.NewRegistry(),
		Risk:         risk.NewEngine(cfg.Risk),
		Holdings:     book,
		Replay:       signals,
		Audit:        auditStore,
		Log:          log,
	})
	return &harness{daily: daily, replay: signals, audit: auditStore, governance: gov, licenses: licenses}
}

func risingRequest() DailyRequest {
	return DailyRequest{
		Symbols:  []string{"600519.SH"},
		Strategy: "momentum",
		Start:    "2024-01-01",
		End:      "2024-03-01",
	}
}

func TestRunValidation(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})
	ctx := context.Background()

	_, err := h.daily.Run(ctx, DailyRequest{Strategy: "momentum"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	req := risingRequest()
	req.Strategy = "arbitrage"
	_, err = h.daily.Run(ctx, req)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	req = risingRequest()
	req.Start = "01/02/2024"
	_, err = h.daily.Run(ctx, req)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	req = risingRequest()
	req.Start, req.End = req.End, req.Start
	_, err = h.daily.Run(ctx, req)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRunGovernanceGate(t *testing.T) {
	cfg := testConfig()
	cfg.EnforceApprovedStrategy = true
	h := newHarness(t, cfg, &stubProvider{})
	ctx := context.Background()

	_, err := h.daily.Run(ctx, risingRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindGovernance, apperr.KindOf(err))

	_, err = h.governance.RegisterDraft("momentum", "v1", "hash1")
	require.NoError(t, err)
	_, err = h.governance.SubmitReview("momentum", "v1")
	require.NoError(t, err)
	for _, role := range []string{"risk", "audit"} {
		_, err = h.governance.Decide(governance.Decision{
			StrategyName: "momentum", Version: "v1",
			Reviewer: role + "_lead", ReviewerRole: role, Decision: governance.DecisionApprove,
		})
		require.NoError(t, err)
	}

	result, err := h.daily.Run(ctx, risingRequest())
	require.NoError(t, err)
	assert.Len(t, result.Symbols, 1)
}

func TestRunProducesBuySheet(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})

	result, err := h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)

	sr := result.Symbols[0]
	assert.False(t, sr.Skipped, sr.SkipReason)
	assert.Equal(t, "stub", sr.Provider)
	assert.Greater(t, sr.SnapshotID, int64(0))
	assert.Equal(t, license.FallbackWatermark, sr.Watermark)
	require.NotNil(t, sr.Quality)
	assert.True(t, sr.Quality.Passed)
	require.NotNil(t, sr.PIT)
	assert.True(t, sr.PIT.Passed)

	require.Len(t, sr.Sheets, 1)
	sheet := sr.Sheets[0]
	assert.Equal(t, "BUY", sheet.Action)
	assert.False(t, sheet.RiskBlocked)
	assert.NotEmpty(t, sheet.SignalID)
	assert.Greater(t, sheet.ExpectedEdgeBps, 0.0)

	signals, err := h.replay.Signals("momentum", 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, sheet.SignalID, signals[0].SignalID)

	entries, err := h.audit.Latest(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "daily_pipeline", entries[0].EventType)
}

func TestRunSmallCapitalDowngradesUnaffordableBuy(t *testing.T) {
	cfg := testConfig()
	cfg.SmallCapital.Enabled = true
	cfg.SmallCapital.Principal = 2000
	h := newHarness(t, cfg, &stubProvider{})

	// The series ends at 120: one lot costs 12000 against 1800 usable cash.
	result, err := h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)
	require.Len(t, result.Symbols[0].Sheets, 1)

	sheet := result.Symbols[0].Sheets[0]
	assert.Equal(t, "WATCH", sheet.Action)
	assert.True(t, strings.HasPrefix(sheet.Reason, "Not enough usable cash for one lot; "))
	assert.Equal(t, 100*120.0, sheet.RequiredCash)
	assert.True(t, sheet.RiskBlocked, "the affordability hit still blocks the sheet")
	for _, rh := range sheet.RiskHits {
		if rh.RuleName == "small_capital_tradability" {
			assert.False(t, rh.Passed)
			return
		}
	}
	t.Fatal("small_capital_tradability hit missing")
}

func TestRunProviderFailureSkipsSymbol(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{failBars: true})

	result, err := h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err, "per-symbol failures never fail the run")
	require.Len(t, result.Symbols, 1)
	assert.True(t, result.Symbols[0].Skipped)
	assert.True(t, strings.HasPrefix(result.Symbols[0].SkipReason, "N/A: "))
	assert.Empty(t, result.Symbols[0].Sheets)
}

func TestRunLicenseEnforcedDenies(t *testing.T) {
	cfg := testConfig()
	cfg.EnforceDataLicense = true
	h := newHarness(t, cfg, &stubProvider{})

	result, err := h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)
	assert.True(t, result.Symbols[0].Skipped)
	assert.Contains(t, result.Symbols[0].SkipReason, "license denied")

	// Granting a research license for the serving provider unblocks the run.
	_, err = h.licenses.Save(license.License{
		DatasetName: "daily_bars", Provider: "stub",
		UsageScopes: []string{"research"},
		ValidFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	result, err = h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err)
	assert.False(t, result.Symbols[0].Skipped, result.Symbols[0].SkipReason)
}

func TestRunSTSymbolIsRiskBlocked(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{status: domain.SecurityStatus{IsST: true}})

	result, err := h.daily.Run(context.Background(), risingRequest())
	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)
	require.Len(t, result.Symbols[0].Sheets, 1)

	sheet := result.Symbols[0].Sheets[0]
	assert.Equal(t, "BUY", sheet.Action)
	assert.True(t, sheet.RiskBlocked)
	blocked := false
	for _, hit := range sheet.RiskHits {
		if hit.RuleName == "st_filter" && !hit.Passed {
			blocked = true
		}
	}
	assert.True(t, blocked, "st_filter should be the blocking rule")
}

func TestRunUsesActiveProfileParams(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})

	// A profile with an impossible momentum floor suppresses the buy.
	tuner := h.daily.autotune
	p, err := tuner.SaveProfile(autotune.Profile{
		StrategyName: "momentum",
		Params:       map[string]interface{}{"momentum_floor": 9.0},
	})
	require.NoError(t, err)
	_, err = tuner.ActivateProfile(p.ID)
	require.NoError(t, err)

	req := risingRequest()
	req.UseProfile = true
	result, err := h.daily.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.ProfileID)
	assert.Equal(t, p.ID, *result.ProfileID)
	assert.Empty(t, result.Symbols[0].Sheets, "profile floor suppresses the signal")

	// Explicit params still win over the profile.
	req.Params = map[string]interface{}{"momentum_floor": 0.05}
	result, err = h.daily.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Symbols[0].Sheets, 1)
	assert.Equal(t, "BUY", result.Symbols[0].Sheets[0].Action)
}
