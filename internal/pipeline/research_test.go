package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunResearchAllocatesUnblockedBuys(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})

	result, err := h.daily.RunResearch(context.Background(), ResearchRequest{
		DailyRequest: risingRequest(),
		DailyReturns: []float64{0.01, -0.01, 0.02},
	})
	require.NoError(t, err)
	assert.False(t, result.Portfolio.Blocked)

	require.Len(t, result.Allocations, 1)
	alloc := result.Allocations[0]
	assert.Equal(t, "600519.SH", alloc.Symbol)
	assert.NotEmpty(t, alloc.SignalID)
	// A single buy takes the full budget, clamped to the position cap.
	assert.Equal(t, testConfig().Risk.MaxSinglePosition, alloc.Weight)
}

func TestRunResearchBlockedPortfolioSkipsAllocation(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})

	// A daily loss past the limit trips the portfolio breaker.
	result, err := h.daily.RunResearch(context.Background(), ResearchRequest{
		DailyRequest: risingRequest(),
		DailyReturns: []float64{0.01, -0.05},
	})
	require.NoError(t, err)
	assert.True(t, result.Portfolio.Blocked)
	assert.Empty(t, result.Allocations)
	assert.NotEmpty(t, result.Symbols, "daily sheets still come back for review")
}

func TestRunResearchPropagatesDailyErrors(t *testing.T) {
	h := newHarness(t, testConfig(), &stubProvider{})
	_, err := h.daily.RunResearch(context.Background(), ResearchRequest{
		DailyRequest: DailyRequest{Strategy: "momentum"},
	})
	require.Error(t, err)
}
