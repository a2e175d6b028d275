package fetcher

import (
	"context"

	"market-signal-engine/internal/market"
)

// Provider fetches normalised market data from one upstream source.
type Provider interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error)
	FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error)
}

// Provider names accepted in configuration.
const (
	NameCoinGecko   = "coingecko"
	NameDexScreener = "dexscreener"
	NameYahoo       = "yahoo"
	NameChainlink   = "chainlink"
)
