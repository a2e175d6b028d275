package fetcher

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/market"
)

const yahooDefaultBaseURL = "https://query1.finance.yahoo.com"

// YahooOptions parameterise the Yahoo Finance provider.
type YahooOptions struct {
	HTTPOptions
	Tickers map[string]string
}

// Yahoo is the generic-finance fallback provider.
type Yahoo struct {
	src     httpSource
	tickers symbolTable
	now     func() time.Time
}

// NewYahoo constructs a Yahoo Finance provider.
func NewYahoo(opts YahooOptions, logger zerolog.Logger) *Yahoo {
	return &Yahoo{
		src:     newHTTPSource(NameYahoo, yahooDefaultBaseURL, "", opts.HTTPOptions, logger),
		tickers: newSymbolTable(defaultYahooTickers, opts.Tickers),
		now:     time.Now,
	}
}

// Name implements Provider.
func (y *Yahoo) Name() string { return NameYahoo }

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol              string   `json:"symbol"`
				RegularMarketPrice  *float64 `json:"regularMarketPrice"`
				ChartPreviousClose  *float64 `json:"chartPreviousClose"`
				RegularMarketDayHi  *float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLo  *float64 `json:"regularMarketDayLow"`
				RegularMarketVolume *float64 `json:"regularMarketVolume"`
				RegularMarketTime   int64    `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// yahooRange buckets a lookback into a chart range and bar interval.
func yahooRange(days int) (string, string) {
	switch {
	case days <= 1:
		return "1d", "5m"
	case days <= 7:
		return "5d", "1h"
	case days <= 30:
		return "1mo", "1d"
	case days <= 90:
		return "3mo", "1d"
	case days <= 180:
		return "6mo", "1d"
	case days <= 365:
		return "1y", "1d"
	default:
		return "2y", "1d"
	}
}

func (y *Yahoo) chart(ctx context.Context, symbol string, days int) (yahooChartResponse, error) {
	ticker := y.tickers.resolve(symbol)
	if !strings.Contains(ticker, "-") && !strings.Contains(ticker, "=") {
		ticker = strings.ToUpper(ticker) + "-USD"
	}

	rng, interval := yahooRange(days)
	query := url.Values{}
	query.Set("range", rng)
	query.Set("interval", interval)

	var resp yahooChartResponse
	if err := y.src.getJSON(ctx, "/v8/finance/chart/"+url.PathEscape(ticker), query, &resp); err != nil {
		return yahooChartResponse{}, err
	}
	if resp.Chart.Error != nil {
		if strings.EqualFold(resp.Chart.Error.Code, "Not Found") {
			return yahooChartResponse{}, notFound(NameYahoo, "%s: %s", ticker, resp.Chart.Error.Description)
		}
		return yahooChartResponse{}, malformed(NameYahoo, "%s: %s", ticker, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return yahooChartResponse{}, notFound(NameYahoo, "no chart result for %s", ticker)
	}
	return resp, nil
}

// FetchPrice implements Provider.
func (y *Yahoo) FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error) {
	resp, err := y.chart(ctx, symbol, 1)
	if err != nil {
		return market.PriceQuote{}, err
	}
	meta := resp.Chart.Result[0].Meta
	if meta.RegularMarketPrice == nil || *meta.RegularMarketPrice <= 0 {
		return market.PriceQuote{}, malformed(NameYahoo, "missing regularMarketPrice for %s", meta.Symbol)
	}

	asOf := y.now().UTC()
	if meta.RegularMarketTime > 0 {
		asOf = time.Unix(meta.RegularMarketTime, 0).UTC()
	}

	return market.PriceQuote{
		Symbol:       symbol,
		PriceUSD:     *meta.RegularMarketPrice,
		Change24hPct: pctChange(meta.ChartPreviousClose, *meta.RegularMarketPrice),
		AsOf:         asOf,
	}, nil
}

// FetchMarketSnapshot implements Provider.
func (y *Yahoo) FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error) {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	resp, err := y.chart(ctx, symbol, lookbackDays)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	result := resp.Chart.Result[0]

	var closes []*float64
	if len(result.Indicators.Quote) > 0 {
		closes = result.Indicators.Quote[0].Close
	}
	points := make([]market.PricePoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		points = append(points, market.PricePoint{Time: time.Unix(ts, 0).UTC(), Price: *closes[i]})
	}
	series := market.SortSeries(points)
	if len(series) == 0 {
		return market.MarketSnapshot{}, malformed(NameYahoo, "empty price series for %s", result.Meta.Symbol)
	}

	meta := result.Meta
	var change *float64
	if len(series) >= 2 {
		prev := series[len(series)-2].Price
		change = pctChange(&prev, series[len(series)-1].Price)
	}

	return market.MarketSnapshot{
		Symbol:       symbol,
		Volume24h:    meta.RegularMarketVolume,
		High24h:      meta.RegularMarketDayHi,
		Low24h:       meta.RegularMarketDayLo,
		Change24hPct: change,
		Series:       series,
	}, nil
}

func pctChange(from *float64, to float64) *float64 {
	if from == nil || *from == 0 {
		return nil
	}
	return market.Float((to - *from) / *from * 100)
}

var _ Provider = (*Yahoo)(nil)
