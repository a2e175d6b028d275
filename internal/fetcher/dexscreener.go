package fetcher

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/market"
)

const dexScreenerDefaultBaseURL = "https://api.dexscreener.com"

// DexScreener resolves tokens against on-chain DEX pairs.
type DexScreener struct {
	src httpSource
	now func() time.Time
}

// NewDexScreener constructs a DexScreener provider.
func NewDexScreener(opts HTTPOptions, logger zerolog.Logger) *DexScreener {
	return &DexScreener{
		src: newHTTPSource(NameDexScreener, dexScreenerDefaultBaseURL, "", opts, logger),
		now: time.Now,
	}
}

// Name implements Provider.
func (d *DexScreener) Name() string { return NameDexScreener }

type dexPair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD    string              `json:"priceUsd"`
	PriceChange map[string]*float64 `json:"priceChange"`
	Volume      map[string]*float64 `json:"volume"`
	FDV         *float64            `json:"fdv"`
	MarketCap   *float64            `json:"marketCap"`
}

type dexPairsResponse struct {
	Pairs []dexPair `json:"pairs"`
}

func (p dexPair) volume24h() float64 {
	if v := p.Volume["h24"]; v != nil {
		return *v
	}
	return 0
}

func (p dexPair) change(window string) *float64 {
	return p.PriceChange[window]
}

func (p dexPair) price() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.PriceUSD), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// bestPair looks up the pair list for symbol and picks the most liquid one.
func (d *DexScreener) bestPair(ctx context.Context, symbol string) (dexPair, error) {
	var (
		resp  dexPairsResponse
		err   error
		query = strings.TrimSpace(symbol)
	)
	addressLookup := market.IsAddressLike(query)
	if addressLookup {
		err = d.src.getJSON(ctx, "/latest/dex/tokens/"+url.PathEscape(query), nil, &resp)
	} else {
		q := url.Values{}
		q.Set("q", query)
		err = d.src.getJSON(ctx, "/latest/dex/search", q, &resp)
	}
	if err != nil {
		return dexPair{}, err
	}

	var (
		best  dexPair
		found bool
	)
	for _, pair := range resp.Pairs {
		if !addressLookup && !strings.EqualFold(pair.BaseToken.Symbol, query) {
			continue
		}
		if _, ok := pair.price(); !ok {
			continue
		}
		if !found || pair.volume24h() > best.volume24h() {
			best, found = pair, true
		}
	}
	if !found {
		return dexPair{}, notFound(NameDexScreener, "no priced pair for %q", symbol)
	}
	return best, nil
}

// FetchPrice implements Provider.
func (d *DexScreener) FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error) {
	pair, err := d.bestPair(ctx, symbol)
	if err != nil {
		return market.PriceQuote{}, err
	}
	price, _ := pair.price()
	return market.PriceQuote{
		Symbol:       symbol,
		PriceUSD:     price,
		Change24hPct: pair.change("h24"),
		AsOf:         d.now().UTC(),
	}, nil
}

var dexAnchors = []struct {
	window string
	ago    time.Duration
}{
	{"h24", 24 * time.Hour},
	{"h6", 6 * time.Hour},
	{"h1", time.Hour},
	{"m5", 5 * time.Minute},
}

// FetchMarketSnapshot implements Provider. DexScreener has no history
// endpoint, so the series is reconstructed from the priceChange windows.
func (d *DexScreener) FetchMarketSnapshot(ctx context.Context, symbol string, _ int) (market.MarketSnapshot, error) {
	pair, err := d.bestPair(ctx, symbol)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	price, _ := pair.price()
	now := d.now().UTC()

	points := make([]market.PricePoint, 0, len(dexAnchors)+1)
	for _, anchor := range dexAnchors {
		pct := pair.change(anchor.window)
		if pct == nil || *pct <= -100 {
			continue
		}
		points = append(points, market.PricePoint{
			Time:  now.Add(-anchor.ago),
			Price: price / (1 + *pct/100),
		})
	}
	points = append(points, market.PricePoint{Time: now, Price: price})

	capValue := pair.MarketCap
	if capValue == nil {
		capValue = pair.FDV
	}

	var volume *float64
	if v := pair.Volume["h24"]; v != nil {
		volume = market.Float(*v)
	}

	return market.MarketSnapshot{
		Symbol:       symbol,
		MarketCap:    capValue,
		Volume24h:    volume,
		Change24hPct: pair.change("h24"),
		Series:       market.SortSeries(points),
	}, nil
}

var _ Provider = (*DexScreener)(nil)
