package indicator

import "sort"

// Levels are support and resistance prices, each ascending.
type Levels struct {
	Support    []float64
	Resistance []float64
	Synthetic  bool
}

// SupportResistance derives up to maxLevels support and resistance prices
// from local extrema of a centred rolling window. A side with no extremum
// of its own kind falls back to any extremum on that side of the current
// price, and a side with none at all gets synthetic 5% and 10% offsets.
func SupportResistance(prices []float64, window, maxLevels int) Levels {
	if len(prices) == 0 || maxLevels <= 0 {
		return Levels{}
	}
	current := prices[len(prices)-1]
	maxima, minima := localExtrema(prices, window)

	resistance := closestAbove(maxima, current, maxLevels)
	if len(resistance) == 0 {
		resistance = closestAbove(append(append([]float64(nil), maxima...), minima...), current, maxLevels)
	}
	support := closestBelow(minima, current, maxLevels)
	if len(support) == 0 {
		support = closestBelow(append(append([]float64(nil), minima...), maxima...), current, maxLevels)
	}

	var synthetic bool
	if len(resistance) == 0 {
		resistance = syntheticLevels(current, []float64{1.05, 1.10}, maxLevels)
		synthetic = true
	}
	if len(support) == 0 {
		support = syntheticLevels(current, []float64{0.90, 0.95}, maxLevels)
		synthetic = true
	}

	sort.Float64s(support)
	sort.Float64s(resistance)
	return Levels{Support: support, Resistance: resistance, Synthetic: synthetic}
}

// NearestSupport returns the highest support level.
func (l Levels) NearestSupport() (float64, bool) {
	if len(l.Support) == 0 {
		return 0, false
	}
	return l.Support[len(l.Support)-1], true
}

// NearestResistance returns the lowest resistance level.
func (l Levels) NearestResistance() (float64, bool) {
	if len(l.Resistance) == 0 {
		return 0, false
	}
	return l.Resistance[0], true
}

// localExtrema returns points equal to the max or min of the window centred
// on them. Points whose window would run past either end are skipped.
func localExtrema(prices []float64, window int) (maxima, minima []float64) {
	if window <= 1 || len(prices) < window {
		return nil, nil
	}
	before := (window - 1) / 2
	after := window - 1 - before
	for i := before; i+after < len(prices); i++ {
		hi, lo := prices[i-before], prices[i-before]
		for _, p := range prices[i-before : i+after+1] {
			if p > hi {
				hi = p
			}
			if p < lo {
				lo = p
			}
		}
		if prices[i] == hi {
			maxima = append(maxima, prices[i])
		}
		if prices[i] == lo {
			minima = append(minima, prices[i])
		}
	}
	return maxima, minima
}

func closestAbove(candidates []float64, current float64, n int) []float64 {
	var above []float64
	for _, c := range distinct(candidates) {
		if c > current {
			above = append(above, c)
		}
	}
	sort.Float64s(above)
	if len(above) > n {
		above = above[:n]
	}
	return above
}

func closestBelow(candidates []float64, current float64, n int) []float64 {
	var below []float64
	for _, c := range distinct(candidates) {
		if c < current {
			below = append(below, c)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(below)))
	if len(below) > n {
		below = below[:n]
	}
	return below
}

func distinct(values []float64) []float64 {
	seen := make(map[float64]struct{}, len(values))
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func syntheticLevels(current float64, factors []float64, n int) []float64 {
	out := make([]float64, 0, len(factors))
	for _, f := range factors {
		out = append(out, current*f)
	}
	if len(out) > n {
		// keep the levels closest to the price
		if factors[0] < 1 {
			out = out[len(out)-n:]
		} else {
			out = out[:n]
		}
	}
	return out
}
