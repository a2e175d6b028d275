package indicator

import "math"

// SMA returns the simple mean of the last window values.
func SMA(values []float64, window int) (float64, error) {
	if window <= 0 || len(values) < window {
		return 0, ErrInsufficientData
	}
	var sum float64
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window), nil
}

// EMA returns the exponential moving average series with alpha = 2/(span+1),
// seeded from the first value and without bias correction.
func EMA(values []float64, span int) []float64 {
	if len(values) == 0 || span <= 0 {
		return nil
	}
	alpha := 2 / (float64(span) + 1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACD returns the MACD line (fast EMA minus slow EMA) and its signal EMA.
func MACD(prices []float64, fast, slow, signalSpan int) (line, signal []float64) {
	if len(prices) == 0 {
		return nil, nil
	}
	fastEMA := EMA(prices, fast)
	slowEMA := EMA(prices, slow)
	line = make([]float64, len(prices))
	for i := range prices {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	return line, EMA(line, signalSpan)
}

// Bands holds Bollinger band values for the latest window.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands of k population standard deviations around the
// window SMA.
func Bollinger(prices []float64, window int, k float64) (Bands, error) {
	middle, err := SMA(prices, window)
	if err != nil {
		return Bands{}, err
	}
	var sq float64
	for _, p := range prices[len(prices)-window:] {
		d := p - middle
		sq += d * d
	}
	width := k * math.Sqrt(sq/float64(window))
	return Bands{Upper: middle + width, Middle: middle, Lower: middle - width}, nil
}

// MeanChangePct is the mean of the last periods percentage changes.
func MeanChangePct(prices []float64, periods int) (float64, error) {
	if periods <= 0 || len(prices) < periods+1 {
		return 0, ErrInsufficientData
	}
	tail := prices[len(prices)-periods-1:]
	var sum float64
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			return 0, ErrInsufficientData
		}
		sum += (tail[i] - tail[i-1]) / tail[i-1] * 100
	}
	return sum / float64(periods), nil
}
