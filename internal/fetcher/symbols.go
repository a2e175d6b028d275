package fetcher

import "market-signal-engine/internal/market"

var defaultCoinGeckoIDs = map[string]string{
	"btc":   "bitcoin",
	"eth":   "ethereum",
	"sol":   "solana",
	"bnb":   "binancecoin",
	"xrp":   "ripple",
	"ada":   "cardano",
	"doge":  "dogecoin",
	"dot":   "polkadot",
	"link":  "chainlink",
	"avax":  "avalanche-2",
	"matic": "matic-network",
}

var defaultYahooTickers = map[string]string{
	"btc":           "BTC-USD",
	"bitcoin":       "BTC-USD",
	"eth":           "ETH-USD",
	"ethereum":      "ETH-USD",
	"sol":           "SOL-USD",
	"solana":        "SOL-USD",
	"bnb":           "BNB-USD",
	"binancecoin":   "BNB-USD",
	"ada":           "ADA-USD",
	"cardano":       "ADA-USD",
	"dot":           "DOT-USD",
	"polkadot":      "DOT-USD",
	"doge":          "DOGE-USD",
	"dogecoin":      "DOGE-USD",
	"xrp":           "XRP-USD",
	"ripple":        "XRP-USD",
	"avax":          "AVAX-USD",
	"avalanche-2":   "AVAX-USD",
	"matic":         "MATIC-USD",
	"matic-network": "MATIC-USD",
	"link":          "LINK-USD",
	"chainlink":     "LINK-USD",
}

// Ethereum mainnet AggregatorV3 USD feeds.
var defaultChainlinkFeeds = map[string]string{
	"btc":  "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
	"eth":  "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
	"link": "0x2c1d072e956AFFC0D435Cb7AC38EF18d24d9127c",
}

// symbolTable maps normalised symbols to provider identifiers.
type symbolTable map[string]string

func newSymbolTable(defaults, overrides map[string]string) symbolTable {
	table := make(symbolTable, len(defaults)+len(overrides))
	for k, v := range defaults {
		table[k] = v
	}
	for k, v := range overrides {
		table[market.NormalizeSymbol(k)] = v
	}
	return table
}

// resolve returns the mapped identifier, or the input unchanged when unmapped.
func (t symbolTable) resolve(symbol string) string {
	if id, ok := t[market.NormalizeSymbol(symbol)]; ok {
		return id
	}
	return symbol
}
