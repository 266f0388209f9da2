// Package pit implements anti-lookahead validation on bar frames and
// event-to-bar joins.
package pit

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
)

// Issue is one point-in-time finding.
type Issue struct {
	Code     string          `json:"code"`
	Severity domain.Severity `json:"severity"`
	Message  string          `json:"message"`
}

// Report is the outcome of a PIT validation.
type Report struct {
	Passed bool    `json:"passed"`
	Issues []Issue `json:"issues"`
}

// JoinRow is one event usage to validate against publish/effective times.
type JoinRow struct {
	EventRef       string
	UsedInTradeAt  time.Time
	PublishTime    time.Time
	EffectiveTime  *time.Time
}

// Validator runs PIT checks.
type Validator struct {
	log zerolog.Logger
}

// NewValidator creates the PIT validator.
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{log: log.With().Str("component", "pit_validator").Logger()}
}

// CheckBars validates a bar frame against the as-of decision time.
func (v *Validator) CheckBars(bars []domain.Bar, asOf time.Time) Report {
	var report Report

	if len(bars) == 0 {
		report.Issues = append(report.Issues, Issue{
			Code:     "empty_dataset",
			Severity: domain.SeverityCritical,
			Message:  "bar frame is empty",
		})
		return finish(report)
	}

	asOfDate := domain.DateOf(asOf)
	seen := make(map[string]bool, len(bars))
	duplicates := false
	var prev time.Time

	for i, b := range bars {
		if b.TradeDate.IsZero() {
			report.Issues = append(report.Issues, Issue{
				Code:     "invalid_trade_date",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("row %d has a missing trade date", i),
			})
			continue
		}
		key := b.TradeDate.Format(domain.DateLayout)
		if seen[key] {
			duplicates = true
		}
		seen[key] = true

		if i > 0 && !prev.IsZero() && b.TradeDate.Before(prev) {
			report.Issues = append(report.Issues, Issue{
				Code:     "non_monotonic_trade_date",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("trade dates are not ascending at row %d", i),
			})
		}
		prev = b.TradeDate

		if b.TradeDate.After(asOfDate) {
			report.Issues = append(report.Issues, Issue{
				Code:     "future_bar",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("bar %s is after as-of %s", key, asOfDate.Format(domain.DateLayout)),
			})
		}

		// announce_date is checked only when the frame carries the column.
		if b.AnnounceDate != nil && b.AnnounceDate.After(b.TradeDate) {
			report.Issues = append(report.Issues, Issue{
				Code:     "announce_after_trade",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("announce date after trade date on %s", key),
			})
		}
	}

	if duplicates {
		report.Issues = append(report.Issues, Issue{
			Code:     "duplicate_trade_date",
			Severity: domain.SeverityWarning,
			Message:  "frame contains duplicated trade dates",
		})
	}

	return finish(report)
}

// CheckEventJoin validates event usage times against publish and effective
// times.
func (v *Validator) CheckEventJoin(rows []JoinRow) Report {
	var report Report
	for _, row := range rows {
		if row.UsedInTradeAt.Before(row.PublishTime) {
			report.Issues = append(report.Issues, Issue{
				Code:     "used_before_publish",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("event %s used at %s before publish %s", row.EventRef, row.UsedInTradeAt.Format(time.RFC3339), row.PublishTime.Format(time.RFC3339)),
			})
		}
		if row.EffectiveTime != nil {
			if row.UsedInTradeAt.Before(*row.EffectiveTime) {
				report.Issues = append(report.Issues, Issue{
					Code:     "used_before_effective",
					Severity: domain.SeverityWarning,
					Message:  fmt.Sprintf("event %s used before effective time", row.EventRef),
				})
			}
			if row.EffectiveTime.Before(row.PublishTime) {
				report.Issues = append(report.Issues, Issue{
					Code:     "effective_before_publish",
					Severity: domain.SeverityWarning,
					Message:  fmt.Sprintf("event %s effective before publish", row.EventRef),
				})
			}
		}
	}
	return finish(report)
}

func finish(report Report) Report {
	report.Passed = true
	for _, issue := range report.Issues {
		if issue.Severity == domain.SeverityCritical {
			report.Passed = false
			break
		}
	}
	return report
}
