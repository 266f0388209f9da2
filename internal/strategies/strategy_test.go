package strategies

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/factors"
)

func featureRow(close, ma20, momentum20, zscore float64) factors.FeatureRow {
	row := factors.FeatureRow{}
	row.Symbol = "600519.SH"
	row.Close = close
	row.MA5 = math.NaN()
	row.MA20 = ma20
	row.MA60 = math.NaN()
	row.Momentum20 = momentum20
	row.ZScore20 = zscore
	return row
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"event_driven", "momentum"}, r.Names())

	s, err := r.Get("momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", s.Name())

	_, err = r.Get("arbitrage")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMomentumBuySignal(t *testing.T) {
	m := NewMomentum()
	cands := m.Generate([]factors.FeatureRow{featureRow(11, 10, 0.08, 1.0)}, Context{})
	require.Len(t, cands, 1)
	assert.Equal(t, "BUY", cands[0].Action)
	assert.Equal(t, 0.1, cands[0].SuggestedPosition)
	assert.InDelta(t, 0.58, cands[0].Confidence, 1e-9)
}

func TestMomentumQualityTiltsConfidence(t *testing.T) {
	m := NewMomentum()
	strong := featureRow(11, 10, 0.08, 1.0)
	strong.FundamentalAvailable = true
	strong.FundamentalScore = 0.9

	weak := strong
	weak.FundamentalScore = 0.1

	strongCands := m.Generate([]factors.FeatureRow{strong}, Context{})
	weakCands := m.Generate([]factors.FeatureRow{weak}, Context{})
	require.Len(t, strongCands, 1)
	require.Len(t, weakCands, 1)
	assert.Greater(t, strongCands[0].Confidence, weakCands[0].Confidence)
}

func TestMomentumWatchWhenStretched(t *testing.T) {
	m := NewMomentum()
	cands := m.Generate([]factors.FeatureRow{featureRow(11, 10, 0.08, 3.0)}, Context{})
	require.Len(t, cands, 1)
	assert.Equal(t, "WATCH", cands[0].Action)
}

func TestMomentumExitOnTrendBreak(t *testing.T) {
	m := NewMomentum()
	cands := m.Generate([]factors.FeatureRow{featureRow(9.5, 10, 0.02, 0)}, Context{HeldQty: 100})
	require.Len(t, cands, 1)
	assert.Equal(t, "SELL", cands[0].Action)

	// Flat book below the moving average: nothing to do.
	cands = m.Generate([]factors.FeatureRow{featureRow(9.5, 10, 0.02, 0)}, Context{})
	assert.Empty(t, cands)
}

func TestMomentumParamsOverrideDefaults(t *testing.T) {
	m := NewMomentum()
	row := featureRow(11, 10, 0.03, 1.0)

	assert.Empty(t, m.Generate([]factors.FeatureRow{row}, Context{}),
		"0.03 sits under the default momentum floor")

	cands := m.Generate([]factors.FeatureRow{row}, Context{
		Params: map[string]interface{}{"momentum_floor": 0.02, "base_position": 0.05},
	})
	require.Len(t, cands, 1)
	assert.Equal(t, "BUY", cands[0].Action)
	assert.Equal(t, 0.05, cands[0].SuggestedPosition)
}

func TestMomentumSkipsWarmupFrame(t *testing.T) {
	m := NewMomentum()
	assert.Empty(t, m.Generate(nil, Context{}))
	assert.Empty(t, m.Generate([]factors.FeatureRow{featureRow(11, math.NaN(), math.NaN(), 0)}, Context{}))
}

func eventRow(pos, neg float64) factors.FeatureRow {
	row := factors.FeatureRow{EnrichedBar: domain.EnrichedBar{
		EventScore:         pos,
		NegativeEventScore: neg,
		PositiveEventCount: 2,
	}}
	row.Symbol = "600519.SH"
	return row
}

func TestEventDrivenBuySignal(t *testing.T) {
	e := NewEventDriven()
	cands := e.Generate([]factors.FeatureRow{eventRow(0.7, 0.1)}, Context{})
	require.Len(t, cands, 1)
	assert.Equal(t, "BUY", cands[0].Action)
	assert.Equal(t, 0.08, cands[0].SuggestedPosition)
	assert.InDelta(t, 0.7, cands[0].Confidence, 1e-9)
}

func TestEventDrivenDisclosureRiskHaircut(t *testing.T) {
	e := NewEventDriven()
	risky := eventRow(0.7, 0.1)
	risky.DisclosureRiskScore = 0.8

	clean := e.Generate([]factors.FeatureRow{eventRow(0.7, 0.1)}, Context{})
	hair := e.Generate([]factors.FeatureRow{risky}, Context{})
	require.Len(t, clean, 1)
	require.Len(t, hair, 1)
	assert.InDelta(t, clean[0].Confidence*0.7, hair[0].Confidence, 1e-9)
}

func TestEventDrivenExitOnNegativePressure(t *testing.T) {
	e := NewEventDriven()
	cands := e.Generate([]factors.FeatureRow{eventRow(0.1, 0.6)}, Context{HeldQty: 100})
	require.Len(t, cands, 1)
	assert.Equal(t, "SELL", cands[0].Action)

	// Without a position the same pressure only warrants a watch.
	cands = e.Generate([]factors.FeatureRow{eventRow(0.1, 0.6)}, Context{})
	require.Len(t, cands, 1)
	assert.Equal(t, "WATCH", cands[0].Action)
}

func TestEventDrivenQuietTapeIsSilent(t *testing.T) {
	e := NewEventDriven()
	assert.Empty(t, e.Generate([]factors.FeatureRow{eventRow(0, 0)}, Context{}))
}
