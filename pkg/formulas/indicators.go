package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// SMA computes a simple moving average series. Positions with fewer than
// period observations are NaN.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) == 0 {
		return nanSlice(len(values))
	}
	if len(values) < period {
		return nanSlice(len(values))
	}
	// talib fills the warm-up region with zeros; mask it so callers can
	// distinguish "no window yet" from a genuine zero.
	return maskWarmup(talib.Sma(values, period), period-1)
}

// ATR computes Wilder's average true range. Positions before the warm-up
// window are NaN.
func ATR(high, low, close []float64, period int) []float64 {
	if len(high) == 0 || len(high) != len(low) || len(high) != len(close) {
		return nanSlice(len(high))
	}
	if len(high) <= period {
		return nanSlice(len(high))
	}
	return maskWarmup(talib.Atr(high, low, close, period), period)
}

// RollingStdDev computes a rolling sample standard deviation with the given
// window. Leading positions without a full window are NaN.
func RollingStdDev(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window < 2 || len(values) < window {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		out[i] = StdDev(values[i-window+1 : i+1])
	}
	return out
}

// RollingMean computes a rolling mean, NaN before a full window.
func RollingMean(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window < 1 || len(values) < window {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		out[i] = Mean(values[i-window+1 : i+1])
	}
	return out
}

func maskWarmup(values []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
