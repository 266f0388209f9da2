package pit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmargin/quantgate/internal/domain"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func bars(days ...int) []domain.Bar {
	out := make([]domain.Bar, 0, len(days))
	for _, d := range days {
		out = append(out, domain.Bar{TradeDate: day(d), Close: 10})
	}
	return out
}

func codes(report Report) []string {
	out := make([]string, 0, len(report.Issues))
	for _, issue := range report.Issues {
		out = append(out, issue.Code)
	}
	return out
}

func TestCheckBarsCleanFrame(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckBars(bars(4, 5, 6), day(6))
	assert.True(t, report.Passed)
	assert.Empty(t, report.Issues)
}

func TestCheckBarsEmptyFrame(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckBars(nil, day(6))
	assert.False(t, report.Passed)
	assert.Contains(t, codes(report), "empty_dataset")
}

func TestCheckBarsFutureBar(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckBars(bars(4, 5, 6), day(5))
	assert.False(t, report.Passed)
	assert.Contains(t, codes(report), "future_bar")
}

func TestCheckBarsNonMonotonic(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckBars(bars(5, 4, 6), day(6))
	assert.False(t, report.Passed)
	assert.Contains(t, codes(report), "non_monotonic_trade_date")
}

func TestCheckBarsDuplicateDateIsWarningOnly(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckBars(bars(4, 4, 5), day(6))
	assert.True(t, report.Passed, "duplicates warn but do not fail")
	assert.Contains(t, codes(report), "duplicate_trade_date")
}

func TestCheckBarsAnnounceAfterTrade(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	announce := day(6)
	frame := bars(4, 5)
	frame[0].AnnounceDate = &announce
	report := v.CheckBars(frame, day(6))
	assert.False(t, report.Passed)
	assert.Contains(t, codes(report), "announce_after_trade")
}

func TestCheckEventJoinUsedBeforePublish(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckEventJoin([]JoinRow{{
		EventRef:      "src/ev1",
		UsedInTradeAt: day(4),
		PublishTime:   day(5),
	}})
	assert.False(t, report.Passed)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "used_before_publish", report.Issues[0].Code)
	assert.Equal(t, domain.SeverityCritical, report.Issues[0].Severity)
}

func TestCheckEventJoinEffectiveTimeWarnings(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	effective := day(6)
	report := v.CheckEventJoin([]JoinRow{{
		EventRef:      "src/ev1",
		UsedInTradeAt: day(5),
		PublishTime:   day(4),
		EffectiveTime: &effective,
	}})
	assert.True(t, report.Passed, "effective-time issues are warnings")
	assert.Contains(t, codes(report), "used_before_effective")

	backdated := day(3)
	report = v.CheckEventJoin([]JoinRow{{
		EventRef:      "src/ev2",
		UsedInTradeAt: day(5),
		PublishTime:   day(4),
		EffectiveTime: &backdated,
	}})
	assert.True(t, report.Passed)
	assert.Contains(t, codes(report), "effective_before_publish")
}

func TestCheckEventJoinCleanRows(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	report := v.CheckEventJoin([]JoinRow{
		{EventRef: "src/ev1", UsedInTradeAt: day(6), PublishTime: day(4)},
		{EventRef: "src/ev2", UsedInTradeAt: day(6), PublishTime: day(6)},
	})
	assert.True(t, report.Passed)
	assert.Empty(t, report.Issues)
}
