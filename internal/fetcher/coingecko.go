package fetcher

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/market"
)

const coinGeckoDefaultBaseURL = "https://api.coingecko.com/api/v3"

// CoinGeckoOptions parameterise the CoinGecko provider.
type CoinGeckoOptions struct {
	HTTPOptions
	IDs map[string]string
}

// CoinGecko is the primary market-data provider.
type CoinGecko struct {
	src httpSource
	ids symbolTable
	now func() time.Time
}

// NewCoinGecko constructs a CoinGecko provider.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{
		src: newHTTPSource(NameCoinGecko, coinGeckoDefaultBaseURL, "x-cg-pro-api-key", opts.HTTPOptions, logger),
		ids: newSymbolTable(defaultCoinGeckoIDs, opts.IDs),
		now: time.Now,
	}
}

// Name implements Provider.
func (c *CoinGecko) Name() string { return NameCoinGecko }

type coinGeckoSimplePrice struct {
	USD       *float64 `json:"usd"`
	Change24h *float64 `json:"usd_24h_change"`
}

// FetchPrice implements Provider.
func (c *CoinGecko) FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error) {
	id := c.ids.resolve(symbol)

	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")

	var payload map[string]coinGeckoSimplePrice
	if err := c.src.getJSON(ctx, "/simple/price", query, &payload); err != nil {
		return market.PriceQuote{}, err
	}

	entry, ok := payload[id]
	if !ok {
		return market.PriceQuote{}, notFound(NameCoinGecko, "id %q not in response", id)
	}
	if entry.USD == nil || *entry.USD <= 0 {
		return market.PriceQuote{}, malformed(NameCoinGecko, "missing usd price for %q", id)
	}

	return market.PriceQuote{
		Symbol:       symbol,
		PriceUSD:     *entry.USD,
		Change24hPct: entry.Change24h,
		AsOf:         c.now().UTC(),
	}, nil
}

type coinGeckoCoin struct {
	ID            string `json:"id"`
	MarketCapRank *int   `json:"market_cap_rank"`
	MarketData    *struct {
		MarketCap                map[string]float64 `json:"market_cap"`
		TotalVolume              map[string]float64 `json:"total_volume"`
		High24h                  map[string]float64 `json:"high_24h"`
		Low24h                   map[string]float64 `json:"low_24h"`
		PriceChangePercentage24h *float64           `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

type coinGeckoChart struct {
	Prices [][]float64 `json:"prices"`
}

// FetchMarketSnapshot implements Provider.
func (c *CoinGecko) FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error) {
	id := c.ids.resolve(symbol)
	if lookbackDays <= 0 {
		lookbackDays = 90
	}

	detailQuery := url.Values{}
	detailQuery.Set("localization", "false")
	detailQuery.Set("tickers", "false")
	detailQuery.Set("community_data", "false")
	detailQuery.Set("developer_data", "false")
	detailQuery.Set("sparkline", "false")

	var coin coinGeckoCoin
	if err := c.src.getJSON(ctx, "/coins/"+url.PathEscape(id), detailQuery, &coin); err != nil {
		return market.MarketSnapshot{}, err
	}
	if coin.MarketData == nil {
		return market.MarketSnapshot{}, malformed(NameCoinGecko, "market_data missing for %q", id)
	}

	chartQuery := url.Values{}
	chartQuery.Set("vs_currency", "usd")
	chartQuery.Set("days", strconv.Itoa(lookbackDays))
	if lookbackDays > 7 {
		chartQuery.Set("interval", "daily")
	}

	var chart coinGeckoChart
	if err := c.src.getJSON(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", chartQuery, &chart); err != nil {
		return market.MarketSnapshot{}, err
	}

	points := make([]market.PricePoint, 0, len(chart.Prices))
	for i, row := range chart.Prices {
		if len(row) < 2 {
			return market.MarketSnapshot{}, malformed(NameCoinGecko, "price row %d has %d fields", i, len(row))
		}
		points = append(points, market.PricePoint{
			Time:  time.UnixMilli(int64(row[0])).UTC(),
			Price: row[1],
		})
	}
	series := market.SortSeries(points)
	if len(series) == 0 {
		return market.MarketSnapshot{}, malformed(NameCoinGecko, "empty price series for %q", id)
	}

	md := coin.MarketData
	return market.MarketSnapshot{
		Symbol:       symbol,
		MarketCap:    usd(md.MarketCap),
		Volume24h:    usd(md.TotalVolume),
		High24h:      usd(md.High24h),
		Low24h:       usd(md.Low24h),
		Change24hPct: md.PriceChangePercentage24h,
		Rank:         coin.MarketCapRank,
		Series:       series,
	}, nil
}

func usd(values map[string]float64) *float64 {
	v, ok := values["usd"]
	if !ok {
		return nil
	}
	return market.Float(v)
}

var _ Provider = (*CoinGecko)(nil)
