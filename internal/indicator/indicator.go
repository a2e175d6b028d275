package indicator

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a series is too short for the
// requested computation.
var ErrInsufficientData = errors.New("insufficient price data")

// Options tune the indicator windows. Zero fields take the defaults.
type Options struct {
	MinPoints       int
	RSIPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerWindow int
	BollingerK      float64
	LevelWindow     int
	MaxLevels       int
	TrendPeriods    int
}

// DefaultOptions returns the standard indicator parameters.
func DefaultOptions() Options {
	return Options{
		MinPoints:       30,
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerWindow: 20,
		BollingerK:      2,
		LevelWindow:     20,
		MaxLevels:       2,
		TrendPeriods:    5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinPoints <= 0 {
		o.MinPoints = d.MinPoints
	}
	if o.RSIPeriod <= 0 {
		o.RSIPeriod = d.RSIPeriod
	}
	if o.MACDFast <= 0 {
		o.MACDFast = d.MACDFast
	}
	if o.MACDSlow <= 0 {
		o.MACDSlow = d.MACDSlow
	}
	if o.MACDSignal <= 0 {
		o.MACDSignal = d.MACDSignal
	}
	if o.BollingerWindow <= 0 {
		o.BollingerWindow = d.BollingerWindow
	}
	if o.BollingerK <= 0 {
		o.BollingerK = d.BollingerK
	}
	if o.LevelWindow <= 0 {
		o.LevelWindow = d.LevelWindow
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = d.MaxLevels
	}
	if o.TrendPeriods <= 0 {
		o.TrendPeriods = d.TrendPeriods
	}
	return o
}

// Set is the full indicator readout for one price series.
type Set struct {
	RSI              float64   `msgpack:"rsi" json:"rsi"`
	MACDLine         float64   `msgpack:"macd_line" json:"macd_line"`
	MACDSignal       float64   `msgpack:"macd_signal" json:"macd_signal"`
	BollingerUpper   float64   `msgpack:"bb_upper" json:"bollinger_upper"`
	BollingerMiddle  float64   `msgpack:"bb_middle" json:"bollinger_middle"`
	BollingerLower   float64   `msgpack:"bb_lower" json:"bollinger_lower"`
	SupportLevels    []float64 `msgpack:"support" json:"support_levels"`
	ResistanceLevels []float64 `msgpack:"resistance" json:"resistance_levels"`
	SyntheticLevels  bool      `msgpack:"synthetic" json:"synthetic_levels"`
	LastPrice        float64   `msgpack:"last_price" json:"last_price"`
	TrendPct         float64   `msgpack:"trend_pct" json:"trend_pct"`
}

// Levels returns the support and resistance part of the set.
func (s Set) Levels() Levels {
	return Levels{Support: s.SupportLevels, Resistance: s.ResistanceLevels, Synthetic: s.SyntheticLevels}
}

// Compute derives every indicator from an ascending price series.
func Compute(prices []float64, opts Options) (Set, error) {
	opts = opts.withDefaults()
	if len(prices) < opts.MinPoints {
		return Set{}, fmt.Errorf("%w: have %d points, need %d", ErrInsufficientData, len(prices), opts.MinPoints)
	}

	rsi, err := RSI(prices, opts.RSIPeriod)
	if err != nil {
		return Set{}, fmt.Errorf("rsi: %w", err)
	}
	line, signal := MACD(prices, opts.MACDFast, opts.MACDSlow, opts.MACDSignal)
	bands, err := Bollinger(prices, opts.BollingerWindow, opts.BollingerK)
	if err != nil {
		return Set{}, fmt.Errorf("bollinger: %w", err)
	}
	trend, err := MeanChangePct(prices, opts.TrendPeriods)
	if err != nil {
		return Set{}, fmt.Errorf("trend: %w", err)
	}
	levels := SupportResistance(prices, opts.LevelWindow, opts.MaxLevels)

	return Set{
		RSI:              rsi,
		MACDLine:         line[len(line)-1],
		MACDSignal:       signal[len(signal)-1],
		BollingerUpper:   bands.Upper,
		BollingerMiddle:  bands.Middle,
		BollingerLower:   bands.Lower,
		SupportLevels:    levels.Support,
		ResistanceLevels: levels.Resistance,
		SyntheticLevels:  levels.Synthetic,
		LastPrice:        prices[len(prices)-1],
		TrendPct:         trend,
	}, nil
}
