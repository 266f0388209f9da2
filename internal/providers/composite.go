package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

// Composite tries providers in configured order, delegating bar reads to the
// local cache. Every successful read is attributed to the provider that
// served it so downstream rows stay traceable to a source.
type Composite struct {
	guards []*guardedProvider
	cache  *BarCache
	log    zerolog.Logger
}

// NewComposite builds the failover chain. Order of ps is the preference
// order from DATA_PROVIDER_PRIORITY.
func NewComposite(ps []Provider, cache *BarCache, rps float64, log zerolog.Logger) *Composite {
	c := &Composite{
		cache: cache,
		log:   log.With().Str("component", "composite_provider").Logger(),
	}
	for _, p := range ps {
		c.guards = append(c.guards, newGuardedProvider(p, rps, log))
	}
	return c
}

// ProviderNames returns the configured failover order.
func (c *Composite) ProviderNames() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name()
	}
	return names
}

// GetDailyBars returns (provider_name, bars) from the first provider that can
// serve the window. An error or an empty final slice counts as a failure and
// the next provider is tried; when every provider fails the concatenated
// reasons are returned as a provider error.
func (c *Composite) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) (string, []domain.Bar, error) {
	if end.Before(start) {
		return "", nil, apperr.Validation("end date %s before start date %s",
			end.Format(domain.DateLayout), start.Format(domain.DateLayout))
	}

	var reasons []string
	for _, g := range c.guards {
		bars, err := c.dailyBarsViaCache(ctx, g, symbol, start, end)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		if len(bars) == 0 {
			reasons = append(reasons, fmt.Sprintf("%s: empty result", g.Name()))
			continue
		}
		return g.Name(), bars, nil
	}
	return "", nil, apperr.Provider("all providers failed for %s: %s", symbol, strings.Join(reasons, "; "))
}

type dateRange struct {
	from, to time.Time
}

// dailyBarsViaCache runs the incremental cache algorithm for one provider:
// outside-window gaps from coverage, inside-window gaps from the trade
// calendar, merged, fetched, then the cached slice is re-read.
func (c *Composite) dailyBarsViaCache(ctx context.Context, g *guardedProvider, symbol string, start, end time.Time) ([]domain.Bar, error) {
	minDate, maxDate, _, covered, err := c.cache.Coverage(g.Name(), symbol)
	if err != nil {
		return nil, err
	}

	var gaps []dateRange
	if !covered {
		gaps = append(gaps, dateRange{start, end})
	} else {
		if start.Before(minDate) {
			gaps = append(gaps, dateRange{start, minDate.AddDate(0, 0, -1)})
		}
		if end.After(maxDate) {
			gaps = append(gaps, dateRange{maxDate.AddDate(0, 0, 1), end})
		}

		expected, err := c.openDates(ctx, g, start, end)
		if err != nil {
			return nil, err
		}
		cached, err := c.cache.CachedDates(g.Name(), symbol, start, end)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, missingRuns(expected, cached)...)
	}

	for _, r := range mergeRanges(gaps) {
		if err := c.fetchRange(ctx, g, symbol, r.from, r.to); err != nil {
			return nil, err
		}
	}

	slice, err := c.cache.SliceDaily(g.Name(), symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(slice) == 0 {
		// Calendar said nothing was missing but the cache is still empty;
		// force one direct call so a provider with data can still serve.
		if err := c.fetchRange(ctx, g, symbol, start, end); err != nil {
			return nil, err
		}
		if slice, err = c.cache.SliceDaily(g.Name(), symbol, start, end); err != nil {
			return nil, err
		}
	}
	return slice, nil
}

func (c *Composite) openDates(ctx context.Context, g *guardedProvider, start, end time.Time) ([]time.Time, error) {
	res, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.GetTradeCalendar(ctx, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("trade calendar: %w", err)
	}
	days := res.([]domain.TradingDay)
	var open []time.Time
	for _, d := range days {
		if d.IsOpen {
			open = append(open, domain.DateOf(d.TradeDate))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Before(open[j]) })
	return open, nil
}

func (c *Composite) fetchRange(ctx context.Context, g *guardedProvider, symbol string, from, to time.Time) error {
	res, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.GetDailyBars(ctx, symbol, from, to)
	})
	if err != nil {
		return fmt.Errorf("daily bars %s..%s: %w", from.Format(domain.DateLayout), to.Format(domain.DateLayout), err)
	}
	bars := res.([]domain.Bar)
	if len(bars) == 0 {
		return nil
	}
	return c.cache.UpsertDailyBars(g.Name(), bars)
}

// missingRuns emits contiguous runs of expected open dates absent from the
// cached set.
func missingRuns(expected []time.Time, cached map[string]bool) []dateRange {
	var runs []dateRange
	var runStart, runEnd *time.Time
	for _, d := range expected {
		if cached[d.Format(domain.DateLayout)] {
			if runStart != nil {
				runs = append(runs, dateRange{*runStart, *runEnd})
				runStart, runEnd = nil, nil
			}
			continue
		}
		d := d
		if runStart == nil {
			runStart = &d
		}
		runEnd = &d
	}
	if runStart != nil {
		runs = append(runs, dateRange{*runStart, *runEnd})
	}
	return runs
}

// mergeRanges merges overlapping or adjacent (gap <= 1 day) ranges.
func mergeRanges(ranges []dateRange) []dateRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].from.Before(ranges[j].from) })
	merged := []dateRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if !r.from.After(last.to.AddDate(0, 0, 1)) {
			if r.to.After(last.to) {
				last.to = r.to
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// GetIntradayBars refetches the full window whenever the cache does not
// cover it, then serves from the cache.
func (c *Composite) GetIntradayBars(ctx context.Context, symbol string, interval domain.IntradayInterval, start, end time.Time) (string, []domain.IntradayBar, error) {
	var reasons []string
	for _, g := range c.guards {
		ip, ok := g.inner.(IntradayProvider)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: intraday not supported", g.Name()))
			continue
		}
		covered, err := c.cache.IntradayCoverage(g.Name(), symbol, interval, start, end)
		if err != nil {
			return "", nil, err
		}
		if !covered {
			res, err := g.call(ctx, func() (interface{}, error) {
				return ip.GetIntradayBars(ctx, symbol, interval, start, end)
			})
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
				continue
			}
			if err := c.cache.UpsertIntradayBars(g.Name(), res.([]domain.IntradayBar)); err != nil {
				return "", nil, err
			}
		}
		slice, err := c.cache.SliceIntraday(g.Name(), symbol, interval, start, end)
		if err != nil {
			return "", nil, err
		}
		if len(slice) == 0 {
			reasons = append(reasons, fmt.Sprintf("%s: empty result", g.Name()))
			continue
		}
		return g.Name(), slice, nil
	}
	return "", nil, apperr.Provider("all providers failed for intraday %s: %s", symbol, strings.Join(reasons, "; "))
}

// GetSecurityStatus returns the listing flags from the first provider that
// answers.
func (c *Composite) GetSecurityStatus(ctx context.Context, symbol string) (domain.SecurityStatus, error) {
	var reasons []string
	for _, g := range c.guards {
		res, err := g.call(ctx, func() (interface{}, error) {
			return g.inner.GetSecurityStatus(ctx, symbol)
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		return res.(domain.SecurityStatus), nil
	}
	return domain.SecurityStatus{}, apperr.Provider("all providers failed for status %s: %s", symbol, strings.Join(reasons, "; "))
}

// GetTradeCalendar returns the calendar from the first provider that answers.
func (c *Composite) GetTradeCalendar(ctx context.Context, start, end time.Time) ([]domain.TradingDay, error) {
	var reasons []string
	for _, g := range c.guards {
		res, err := g.call(ctx, func() (interface{}, error) {
			return g.inner.GetTradeCalendar(ctx, start, end)
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		return res.([]domain.TradingDay), nil
	}
	return nil, apperr.Provider("all providers failed for calendar: %s", strings.Join(reasons, "; "))
}

// GetFundamentalSnapshot probes the fundamentals capability across the chain.
func (c *Composite) GetFundamentalSnapshot(ctx context.Context, symbol string, asOf time.Time) (string, domain.FundamentalSnapshot, error) {
	var reasons []string
	for _, g := range c.guards {
		fp, ok := g.inner.(FundamentalProvider)
		if !ok {
			continue
		}
		res, err := g.call(ctx, func() (interface{}, error) {
			return fp.GetFundamentalSnapshot(ctx, symbol, asOf)
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		return g.Name(), res.(domain.FundamentalSnapshot), nil
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no provider supports fundamentals")
	}
	return "", domain.FundamentalSnapshot{}, apperr.Provider("fundamental snapshot %s: %s", symbol, strings.Join(reasons, "; "))
}

// GetCorporateEventSnapshot probes the corporate-event capability.
func (c *Composite) GetCorporateEventSnapshot(ctx context.Context, symbol string, start, end time.Time) (string, []domain.CorporateEvent, error) {
	var reasons []string
	for _, g := range c.guards {
		ep, ok := g.inner.(CorporateEventProvider)
		if !ok {
			continue
		}
		res, err := g.call(ctx, func() (interface{}, error) {
			return ep.GetCorporateEventSnapshot(ctx, symbol, start, end)
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		return g.Name(), res.([]domain.CorporateEvent), nil
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no provider supports corporate events")
	}
	return "", nil, apperr.Provider("corporate events %s: %s", symbol, strings.Join(reasons, "; "))
}

// GetAdvancedColumns probes the vendor-advanced capability.
func (c *Composite) GetAdvancedColumns(ctx context.Context, symbol string, tradeDate time.Time) (string, domain.AdvancedCols, error) {
	var reasons []string
	for _, g := range c.guards {
		ap, ok := g.inner.(AdvancedProvider)
		if !ok {
			continue
		}
		res, err := g.call(ctx, func() (interface{}, error) {
			return ap.GetAdvancedColumns(ctx, symbol, tradeDate)
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", g.Name(), err))
			continue
		}
		return g.Name(), res.(domain.AdvancedCols), nil
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no provider supports advanced datasets")
	}
	return "", domain.AdvancedCols{}, apperr.Provider("advanced columns %s: %s", symbol, strings.Join(reasons, "; "))
}
