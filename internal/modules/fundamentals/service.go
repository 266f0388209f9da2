// Package fundamentals merges point-in-time fundamental snapshots onto bar
// frames with a backward as-of join.
package fundamentals

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/domain"
)

// AnchorFrequency controls how often a snapshot is fetched along the bar
// timeline.
type AnchorFrequency string

const (
	AnchorDaily     AnchorFrequency = "daily"
	AnchorWeekly    AnchorFrequency = "weekly"
	AnchorMonthly   AnchorFrequency = "monthly"
	AnchorQuarterly AnchorFrequency = "quarterly"
)

// SnapshotFetcher is the provider capability the service consumes.
// *providers.Composite satisfies it.
type SnapshotFetcher interface {
	GetFundamentalSnapshot(ctx context.Context, symbol string, asOf time.Time) (string, domain.FundamentalSnapshot, error)
}

// Options tune the PIT enrichment.
type Options struct {
	AnchorFrequency  AnchorFrequency
	MaxStalenessDays int
}

func (o Options) withDefaults() Options {
	if o.AnchorFrequency == "" {
		o.AnchorFrequency = AnchorMonthly
	}
	if o.MaxStalenessDays <= 0 {
		o.MaxStalenessDays = 370
	}
	return o
}

// Service fetches and joins fundamentals.
type Service struct {
	fetcher SnapshotFetcher
	log     zerolog.Logger
}

// NewService creates the fundamental service.
func NewService(fetcher SnapshotFetcher, log zerolog.Logger) *Service {
	return &Service{
		fetcher: fetcher,
		log:     log.With().Str("component", "fundamentals").Logger(),
	}
}

type datedSnapshot struct {
	asOf time.Time
	snap domain.FundamentalSnapshot
}

// EnrichBarsPIT fetches a snapshot per anchor date and merges backward-asof
// onto the bar timeline in place. Snapshots with no populated metric are
// dropped. Fetch failures at an anchor degrade to "no snapshot" rather than
// failing the frame.
func (s *Service) EnrichBarsPIT(ctx context.Context, symbol string, bars []domain.EnrichedBar, opts Options) {
	if len(bars) == 0 {
		return
	}
	opts = opts.withDefaults()

	anchors := anchorDates(bars, opts.AnchorFrequency)
	var table []datedSnapshot
	for _, anchor := range anchors {
		providerName, snap, err := s.fetcher.GetFundamentalSnapshot(ctx, symbol, anchor)
		if err != nil {
			s.log.Debug().Err(err).
				Str("symbol", symbol).
				Str("anchor", anchor.Format(domain.DateLayout)).
				Msg("Fundamental snapshot unavailable")
			continue
		}
		if !snap.HasAnyMetric() {
			continue
		}
		if snap.Source == "" {
			snap.Source = providerName
		}
		table = append(table, datedSnapshot{asOf: anchor, snap: snap})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].asOf.Before(table[j].asOf) })

	for i := range bars {
		bars[i].Fundamental = joinBackward(table, bars[i].TradeDate, opts.MaxStalenessDays)
	}
}

// EnrichBars is the legacy single-snapshot path: one fetch at asOf applied to
// every row.
func (s *Service) EnrichBars(ctx context.Context, symbol string, bars []domain.EnrichedBar, asOf time.Time, opts Options) {
	if len(bars) == 0 {
		return
	}
	opts = opts.withDefaults()

	providerName, snap, err := s.fetcher.GetFundamentalSnapshot(ctx, symbol, asOf)
	if err != nil || !snap.HasAnyMetric() {
		for i := range bars {
			bars[i].Fundamental = missingCols()
		}
		return
	}
	if snap.Source == "" {
		snap.Source = providerName
	}
	table := []datedSnapshot{{asOf: asOf, snap: snap}}
	for i := range bars {
		bars[i].Fundamental = buildCols(table[0], bars[i].TradeDate, opts.MaxStalenessDays)
	}
}

// anchorDates derives the fetch anchors from the bar timeline. The first bar
// date is always an anchor to avoid a leading gap.
func anchorDates(bars []domain.EnrichedBar, freq AnchorFrequency) []time.Time {
	var anchors []time.Time
	seen := make(map[string]bool)
	add := func(t time.Time) {
		key := t.Format(domain.DateLayout)
		if !seen[key] {
			seen[key] = true
			anchors = append(anchors, t)
		}
	}

	add(bars[0].TradeDate)
	var prev time.Time
	for _, b := range bars {
		d := b.TradeDate
		if prev.IsZero() {
			prev = d
			continue
		}
		switch freq {
		case AnchorDaily:
			add(d)
		case AnchorWeekly:
			py, pw := prev.ISOWeek()
			cy, cw := d.ISOWeek()
			if py != cy || pw != cw {
				add(d)
			}
		case AnchorQuarterly:
			if quarterOf(prev) != quarterOf(d) || prev.Year() != d.Year() {
				add(d)
			}
		default: // monthly
			if prev.Month() != d.Month() || prev.Year() != d.Year() {
				add(d)
			}
		}
		prev = d
	}
	return anchors
}

func quarterOf(t time.Time) int {
	return (int(t.Month()) - 1) / 3
}

// joinBackward picks the latest snapshot with asOf <= tradeDate.
func joinBackward(table []datedSnapshot, tradeDate time.Time, maxStale int) *domain.FundamentalCols {
	idx := -1
	for i, row := range table {
		if row.asOf.After(tradeDate) {
			break
		}
		idx = i
	}
	if idx < 0 {
		return missingCols()
	}
	return buildCols(table[idx], tradeDate, maxStale)
}

func buildCols(row datedSnapshot, tradeDate time.Time, maxStale int) *domain.FundamentalCols {
	snap := row.snap
	cols := &domain.FundamentalCols{
		ROE:          snap.ROE,
		RevenueYoY:   snap.RevenueYoY,
		NetProfitYoY: snap.NetProfitYoY,
		GrossMargin:  snap.GrossMargin,
		DebtToAsset:  snap.DebtToAsset,
		OCFToProfit:  snap.OCFToProfit,
		EPS:          snap.EPS,
		Source:       snap.Source,
		ReportDate:   snap.ReportDate,
		PublishDate:  snap.PublishDate,
	}
	cols.Available = snap.HasAnyMetric()
	cols.PITOK = snap.PublishDate == nil || !snap.PublishDate.After(tradeDate)

	ref := snap.ReportDate
	if ref == nil {
		ref = snap.PublishDate
	}
	if ref == nil {
		cols.StaleDays = -1
	} else {
		cols.StaleDays = int(domain.DateOf(tradeDate).Sub(domain.DateOf(*ref)).Hours() / 24)
	}
	cols.IsStale = cols.StaleDays > maxStale
	return cols
}

func missingCols() *domain.FundamentalCols {
	return &domain.FundamentalCols{Available: false, PITOK: true, StaleDays: -1}
}
