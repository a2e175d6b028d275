package market

import (
	"sort"
	"strings"
	"time"
)

// PricePoint is a single observation in a price series.
type PricePoint struct {
	Time  time.Time `msgpack:"t" json:"time"`
	Price float64   `msgpack:"p" json:"price"`
}

// Provenance records which upstream produced a result.
type Provenance struct {
	Provider  string    `msgpack:"provider" json:"provider"`
	Tier      int       `msgpack:"tier" json:"tier"`
	Fallback  bool      `msgpack:"fallback" json:"fallback"`
	FetchedAt time.Time `msgpack:"fetched_at" json:"fetched_at"`
}

// PriceQuote is the normalised spot price of a token.
type PriceQuote struct {
	Symbol       string     `msgpack:"symbol" json:"symbol"`
	PriceUSD     float64    `msgpack:"price_usd" json:"price_usd"`
	Change24hPct *float64   `msgpack:"change_24h_pct" json:"change_24h_pct,omitempty"`
	AsOf         time.Time  `msgpack:"as_of" json:"as_of"`
	Provenance   Provenance `msgpack:"provenance" json:"provenance"`
}

// MarketSnapshot aggregates market statistics and a price history.
// Nil numeric fields are unknown, not zero.
type MarketSnapshot struct {
	Symbol       string       `msgpack:"symbol" json:"symbol"`
	MarketCap    *float64     `msgpack:"market_cap" json:"market_cap,omitempty"`
	Volume24h    *float64     `msgpack:"volume_24h" json:"volume_24h,omitempty"`
	High24h      *float64     `msgpack:"high_24h" json:"high_24h,omitempty"`
	Low24h       *float64     `msgpack:"low_24h" json:"low_24h,omitempty"`
	Change24hPct *float64     `msgpack:"change_24h_pct" json:"change_24h_pct,omitempty"`
	Rank         *int         `msgpack:"rank" json:"rank,omitempty"`
	Series       []PricePoint `msgpack:"series" json:"series"`
	Provenance   Provenance   `msgpack:"provenance" json:"provenance"`
}

// LastPrice returns the most recent price of the series.
func (s MarketSnapshot) LastPrice() (float64, bool) {
	if len(s.Series) == 0 {
		return 0, false
	}
	return s.Series[len(s.Series)-1].Price, true
}

// Prices flattens the series into a price slice.
func (s MarketSnapshot) Prices() []float64 {
	out := make([]float64, len(s.Series))
	for i, p := range s.Series {
		out[i] = p.Price
	}
	return out
}

// SortSeries orders points ascending by time and drops non-positive prices.
func SortSeries(points []PricePoint) []PricePoint {
	out := make([]PricePoint, 0, len(points))
	for _, p := range points {
		if p.Price > 0 {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// NormalizeSymbol trims user input and lower-cases tickers. Contract
// addresses keep their case since base58 addresses are case sensitive.
func NormalizeSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if IsAddressLike(trimmed) {
		return trimmed
	}
	return strings.ToLower(trimmed)
}

// IsAddressLike reports whether s looks like a contract or mint address
// rather than a ticker.
func IsAddressLike(s string) bool {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return len(s) == 42
	}
	return len(s) >= 32 && len(s) <= 44 && !strings.ContainsAny(s, " -_")
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
