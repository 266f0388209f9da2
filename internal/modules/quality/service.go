// Package quality scores bar frames field by field and reports structural
// issues. Reports are returned, never raised; the pipeline decides whether a
// CRITICAL issue blocks.
package quality

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/pkg/formulas"
)

// Issue is one data-quality finding.
type Issue struct {
	Code     string          `json:"code"`
	Severity domain.Severity `json:"severity"`
	Column   string          `json:"column,omitempty"`
	Message  string          `json:"message"`
}

// Report is the outcome of a quality check.
type Report struct {
	Passed       bool               `json:"passed"`
	OverallScore float64            `json:"overall_score"`
	FieldScores  map[string]float64 `json:"field_scores"`
	Issues       []Issue            `json:"issues"`
}

// DefaultRequiredColumns is the standard required set for daily bar frames.
var DefaultRequiredColumns = []string{
	"trade_date", "open", "high", "low", "close", "volume", "amount",
	"is_suspended", "is_st",
}

// priceVolumeColumns take the invalid-numeric and non-positive penalty terms.
var priceVolumeColumns = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"volume": true, "amount": true,
}

// knownColumns maps a column name to its cell extractor. A required column
// outside this set is reported as missing.
var knownColumns = map[string]func(domain.Bar) cell{
	"trade_date": func(b domain.Bar) cell {
		return cell{isNull: b.TradeDate.IsZero()}
	},
	"open":   func(b domain.Bar) cell { return numericCell(b.Open) },
	"high":   func(b domain.Bar) cell { return numericCell(b.High) },
	"low":    func(b domain.Bar) cell { return numericCell(b.Low) },
	"close":  func(b domain.Bar) cell { return numericCell(b.Close) },
	"volume": func(b domain.Bar) cell { return numericCell(b.Volume) },
	"amount": func(b domain.Bar) cell { return numericCell(b.Amount) },
	"is_suspended": func(domain.Bar) cell { return cell{} },
	"is_st":        func(domain.Bar) cell { return cell{} },
	"announce_date": func(b domain.Bar) cell {
		return cell{isNull: b.AnnounceDate == nil}
	},
}

type cell struct {
	isNull      bool
	isInvalid   bool
	nonPositive bool
}

func numericCell(v float64) cell {
	return cell{
		isNull:      math.IsNaN(v),
		isInvalid:   math.IsInf(v, 0),
		nonPositive: !math.IsNaN(v) && !math.IsInf(v, 0) && v <= 0,
	}
}

// Service runs quality checks on bar frames.
type Service struct {
	log zerolog.Logger
}

// NewService creates the quality service.
func NewService(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("component", "data_quality").Logger()}
}

// CheckBars scores a bar frame against the required columns (defaults when
// nil). Passed is true iff no CRITICAL issue was found.
func (s *Service) CheckBars(bars []domain.Bar, required []string) Report {
	if required == nil {
		required = DefaultRequiredColumns
	}

	report := Report{FieldScores: make(map[string]float64)}

	if len(bars) == 0 {
		report.Issues = append(report.Issues, Issue{
			Code:     "empty_dataset",
			Severity: domain.SeverityCritical,
			Message:  "bar frame is empty",
		})
		return finalize(report)
	}

	n := float64(len(bars))
	for _, col := range required {
		extract, known := knownColumns[col]
		if !known {
			report.Issues = append(report.Issues, Issue{
				Code:     "missing_columns",
				Severity: domain.SeverityCritical,
				Column:   col,
				Message:  fmt.Sprintf("required column %q is absent", col),
			})
			report.FieldScores[col] = 0
			continue
		}

		var nulls, invalid, nonPositive int
		for _, b := range bars {
			c := extract(b)
			if c.isNull {
				nulls++
			}
			if c.isInvalid {
				invalid++
			}
			if c.nonPositive {
				nonPositive++
			}
		}

		score := 1 - float64(nulls)/n
		if priceVolumeColumns[col] {
			score -= 0.5 * float64(invalid) / n
			score -= 0.3 * float64(nonPositive) / n
		}
		report.FieldScores[col] = formulas.Clip01(score)

		if nulls > 0 {
			report.Issues = append(report.Issues, Issue{
				Code:     "null_" + col,
				Severity: domain.SeverityWarning,
				Column:   col,
				Message:  fmt.Sprintf("%d of %d rows have null %s", nulls, len(bars), col),
			})
		}
	}

	seen := make(map[string]bool, len(bars))
	dupes := 0
	for _, b := range bars {
		key := b.TradeDate.Format(domain.DateLayout)
		if seen[key] {
			dupes++
		}
		seen[key] = true
	}
	if dupes > 0 {
		report.Issues = append(report.Issues, Issue{
			Code:     "duplicate_trade_date",
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("%d duplicated trade dates", dupes),
		})
	}

	for _, b := range bars {
		if !math.IsNaN(b.High) && !math.IsNaN(b.Low) && b.High < b.Low {
			report.Issues = append(report.Issues, Issue{
				Code:     "invalid_high_low",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("high < low on %s", b.TradeDate.Format(domain.DateLayout)),
			})
			break
		}
	}

	return finalize(report)
}

func finalize(report Report) Report {
	report.Passed = true
	for _, issue := range report.Issues {
		if issue.Severity == domain.SeverityCritical {
			report.Passed = false
			break
		}
	}
	if len(report.FieldScores) > 0 {
		sum := 0.0
		for _, v := range report.FieldScores {
			sum += v
		}
		report.OverallScore = sum / float64(len(report.FieldScores))
	}
	return report
}
