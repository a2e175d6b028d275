package signal

import (
	"fmt"

	"market-signal-engine/internal/indicator"
)

// Direction is the composite trading bias.
type Direction string

const (
	StrongBuy  Direction = "StrongBuy"
	Buy        Direction = "Buy"
	Neutral    Direction = "Neutral"
	Sell       Direction = "Sell"
	StrongSell Direction = "StrongSell"
)

// Thresholds of the individual rules.
const (
	RSIOversold   = 30.0
	RSIOverbought = 70.0
	TrendPct      = 2.0
)

// Signal is the scored recommendation derived from an indicator set.
type Signal struct {
	Direction      Direction `msgpack:"direction" json:"direction"`
	Strength       int       `msgpack:"strength" json:"strength"`
	Reasons        []string  `msgpack:"reasons" json:"reasons"`
	Recommendation string    `msgpack:"recommendation" json:"recommendation"`
}

// Generate scores set. Each rule adds +1 or -1 and rules are evaluated in a
// fixed order (RSI, MACD, Bollinger, trend) so Reasons are deterministic.
func Generate(set indicator.Set) Signal {
	var (
		score   int
		reasons []string
	)

	switch {
	case set.RSI < RSIOversold:
		score++
		reasons = append(reasons, fmt.Sprintf("RSI %.1f: oversold", set.RSI))
	case set.RSI > RSIOverbought:
		score--
		reasons = append(reasons, fmt.Sprintf("RSI %.1f: overbought", set.RSI))
	}

	switch {
	case set.MACDLine > set.MACDSignal:
		score++
		reasons = append(reasons, "MACD: bullish crossover")
	case set.MACDLine < set.MACDSignal:
		score--
		reasons = append(reasons, "MACD: bearish crossover")
	}

	switch {
	case set.LastPrice < set.BollingerLower:
		score++
		reasons = append(reasons, "Bollinger: price below lower band")
	case set.LastPrice > set.BollingerUpper:
		score--
		reasons = append(reasons, "Bollinger: price above upper band")
	}

	switch {
	case set.TrendPct > TrendPct:
		score++
		reasons = append(reasons, fmt.Sprintf("Trend %+.2f%%: strong uptrend", set.TrendPct))
	case set.TrendPct < -TrendPct:
		score--
		reasons = append(reasons, fmt.Sprintf("Trend %+.2f%%: strong downtrend", set.TrendPct))
	}

	dir := DirectionFor(score)
	return Signal{
		Direction:      dir,
		Strength:       score,
		Reasons:        reasons,
		Recommendation: recommendation(dir),
	}
}

// DirectionFor maps a composite score to a direction.
func DirectionFor(score int) Direction {
	switch {
	case score >= 2:
		return StrongBuy
	case score == 1:
		return Buy
	case score == 0:
		return Neutral
	case score == -1:
		return Sell
	default:
		return StrongSell
	}
}

func recommendation(dir Direction) string {
	switch dir {
	case StrongBuy:
		return "Multiple indicators align bullish. Consider accumulating with a DCA plan around the support levels."
	case Buy:
		return "Mild bullish bias. Consider small DCA entries and wait for confirmation before sizing up."
	case Sell:
		return "Mild bearish bias. Consider tightening stops or trimming exposure into strength."
	case StrongSell:
		return "Multiple indicators align bearish. Consider reducing exposure and avoid new entries until momentum turns."
	default:
		return "No clear edge. Hold current positions and watch the nearest support and resistance."
	}
}
