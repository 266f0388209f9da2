package formulas

import (
	"math"
	"sort"
)

// VaRES computes historical value-at-risk and expected shortfall on the loss
// distribution of a return series at confidence c.
//
// Losses are max(0, -r), sorted ascending. The VaR index is ceil(c*n)-1; ES
// is the mean of the losses from that index to the end. Both are zero when
// the series holds no negative return.
func VaRES(returns []float64, confidence float64) (varValue, es float64) {
	n := len(returns)
	if n == 0 || confidence <= 0 || confidence >= 1 {
		return 0, 0
	}

	losses := make([]float64, n)
	for i, r := range returns {
		losses[i] = math.Max(0, -r)
	}
	sort.Float64s(losses)

	idx := int(math.Ceil(confidence*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}

	varValue = losses[idx]
	tail := losses[idx:]
	sum := 0.0
	for _, l := range tail {
		sum += l
	}
	es = sum / float64(len(tail))
	return varValue, es
}
