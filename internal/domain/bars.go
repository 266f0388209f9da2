// Package domain holds the shared market-data row types passed between the
// data plane, enrichment services, and the pipelines.
//
// Frames are ordered slices of row records; missing numeric values are NaN so
// quality scoring can distinguish "absent" from zero.
package domain

import (
	"math"
	"sort"
	"time"
)

// DateLayout is the canonical local-date format for trade dates.
const DateLayout = "2006-01-02"

// ParseDate parses a canonical trade date string into a UTC midnight instant.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// MustDate is a test/fixture helper for canonical date strings.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Bar is one daily OHLCV record for a symbol.
type Bar struct {
	TradeDate   time.Time
	Symbol      string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	Amount      float64
	IsSuspended bool
	IsST        bool

	// AnnounceDate is only present on frames joined with announcement data.
	// Absence is represented by nil, not a zero time.
	AnnounceDate *time.Time
}

// IntradayInterval enumerates the supported intraday bar intervals.
type IntradayInterval string

const (
	Interval5m  IntradayInterval = "5m"
	Interval15m IntradayInterval = "15m"
	Interval30m IntradayInterval = "30m"
	Interval60m IntradayInterval = "60m"
)

// IntradayBar is one intraday OHLCV record.
type IntradayBar struct {
	BarTime  time.Time
	Symbol   string
	Interval IntradayInterval
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Amount   float64
}

// TradingDay is one row of the trade calendar.
type TradingDay struct {
	TradeDate time.Time
	IsOpen    bool
}

// SecurityStatus carries the listing flags for a symbol.
type SecurityStatus struct {
	IsST        bool
	IsSuspended bool
}

// SortBars orders a bar frame ascending by trade date in place.
func SortBars(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].TradeDate.Before(bars[j].TradeDate)
	})
}

// IsMissing reports whether a numeric cell is absent.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Closes extracts the close column from a bar frame.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
