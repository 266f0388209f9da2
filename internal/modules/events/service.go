package events

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/pit"
	"github.com/redmargin/quantgate/pkg/formulas"
)

// IngestResult summarizes one ingest batch.
type IngestResult struct {
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	Errors   []string `json:"errors,omitempty"`
}

// FeaturePoint is the time-decayed event feature triple for one trade date.
type FeaturePoint struct {
	EventScore         float64 `json:"event_score"`
	NegativeEventScore float64 `json:"negative_event_score"`
	EventCount         int     `json:"event_count"`
	PositiveEventCount int     `json:"positive_event_count"`
	NegativeEventCount int     `json:"negative_event_count"`
}

// JoinInput is one event usage submitted for PIT join validation.
type JoinInput struct {
	SourceName    string    `json:"source_name,omitempty"`
	EventID       string    `json:"event_id"`
	Symbol        string    `json:"symbol,omitempty"`
	UsedInTradeAt time.Time `json:"used_in_trade_time"`
}

// Service wraps the store with ingest, feature building, and join checks.
type Service struct {
	store     *Store
	validator *pit.Validator
	log       zerolog.Logger
}

// NewService creates the event service.
func NewService(store *Store, validator *pit.Validator, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		validator: validator,
		log:       log.With().Str("component", "events").Logger(),
	}
}

// Ingest upserts a batch of events by (source_name, event_id).
func (s *Service) Ingest(batch []domain.CorporateEvent) IngestResult {
	var result IngestResult
	for _, ev := range batch {
		if ev.SourceName == "" || ev.EventID == "" || ev.Symbol == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("event %q/%q missing identity fields", ev.SourceName, ev.EventID))
			continue
		}
		inserted, err := s.store.Upsert(ev)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	return result
}

// RegisterSource stores an event source registration.
func (s *Service) RegisterSource(src domain.EventSource) error {
	return s.store.SaveSource(src)
}

// BySymbol lists the newest events for a symbol.
func (s *Service) BySymbol(symbol string, limit int) ([]domain.CorporateEvent, error) {
	return s.store.BySymbol(symbol, limit)
}

// ValidateJoin resolves each input row to a stored event and runs the PIT
// join diagnostics on the resolved times. Unresolvable rows are CRITICAL.
func (s *Service) ValidateJoin(rows []JoinInput) (pit.Report, error) {
	var joinRows []pit.JoinRow
	var report pit.Report
	report.Passed = true

	for _, in := range rows {
		ev, found, err := s.store.Resolve(in.SourceName, in.EventID, in.Symbol)
		if err != nil {
			return pit.Report{}, err
		}
		if !found {
			report.Passed = false
			report.Issues = append(report.Issues, pit.Issue{
				Code:     "unknown_event",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("event %s/%s not found", in.SourceName, in.EventID),
			})
			continue
		}
		joinRows = append(joinRows, pit.JoinRow{
			EventRef:      ev.SourceName + "/" + ev.EventID,
			UsedInTradeAt: in.UsedInTradeAt,
			PublishTime:   ev.PublishTime,
			EffectiveTime: ev.EffectiveTime,
		})
	}

	joined := s.validator.CheckEventJoin(joinRows)
	report.Issues = append(report.Issues, joined.Issues...)
	report.Passed = report.Passed && joined.Passed
	return report, nil
}

// Features computes the decayed feature point for one symbol and trade date.
// The window is (D-lookback, D] on publish time, decayed with half-life in
// days; neutral events count but score into neither polarity bucket.
func (s *Service) Features(symbol string, tradeDate time.Time, lookbackDays int, halfLifeDays float64) (FeaturePoint, error) {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	if halfLifeDays <= 0 {
		halfLifeDays = 7
	}

	endOfDay := domain.DateOf(tradeDate).Add(24 * time.Hour)
	windowStart := endOfDay.AddDate(0, 0, -lookbackDays)

	evs, err := s.store.BySymbolWindow(symbol, windowStart, endOfDay)
	if err != nil {
		return FeaturePoint{}, err
	}

	lambda := math.Ln2 / halfLifeDays
	var point FeaturePoint
	var positive, negative float64

	for _, ev := range evs {
		ageDays := endOfDay.Sub(ev.PublishTime).Seconds() / 86400.0
		base := formulas.Clip01(ev.Score) * formulas.Clip01(ev.Confidence) * math.Exp(-lambda*ageDays)
		point.EventCount++
		switch ev.Polarity {
		case domain.PolarityPositive:
			positive += base
			point.PositiveEventCount++
		case domain.PolarityNegative:
			negative += base
			point.NegativeEventCount++
		}
	}

	point.EventScore = math.Min(1, positive)
	point.NegativeEventScore = math.Min(1, negative)
	return point, nil
}

// EnrichBars left-joins the feature triple onto every unique trade date of
// the bar frame. Dates without events get zeros.
func (s *Service) EnrichBars(symbol string, bars []domain.Bar, lookbackDays int, halfLifeDays float64) ([]domain.EnrichedBar, error) {
	cache := make(map[string]FeaturePoint)
	out := make([]domain.EnrichedBar, 0, len(bars))

	for _, b := range bars {
		key := b.TradeDate.Format(domain.DateLayout)
		point, ok := cache[key]
		if !ok {
			var err error
			point, err = s.Features(symbol, b.TradeDate, lookbackDays, halfLifeDays)
			if err != nil {
				return nil, err
			}
			cache[key] = point
		}
		out = append(out, domain.EnrichedBar{
			Bar:                b,
			EventScore:         point.EventScore,
			NegativeEventScore: point.NegativeEventScore,
			EventCount:         point.EventCount,
			PositiveEventCount: point.PositiveEventCount,
			NegativeEventCount: point.NegativeEventCount,
		})
	}
	return out, nil
}
