package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-signal-engine/internal/market"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// contractCaller is the subset of ethclient.Client used for feed reads.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain price feed provider.
type ChainlinkOptions struct {
	RPCURL        string
	Feeds         map[string]string
	HistoryRounds int
	Timeout       time.Duration
}

// Chainlink reads AggregatorV3 USD feeds over Ethereum RPC.
type Chainlink struct {
	opts   ChainlinkOptions
	feeds  symbolTable
	logger zerolog.Logger
	now    func() time.Time

	callerMux sync.Mutex
	caller    contractCaller
}

// NewChainlink builds an on-chain provider. The RPC connection is dialled on
// first use.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.HistoryRounds <= 0 {
		opts.HistoryRounds = 48
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Chainlink{
		opts:   opts,
		feeds:  newSymbolTable(defaultChainlinkFeeds, opts.Feeds),
		logger: logger.With().Str("component", "chainlink_fetcher").Logger(),
		now:    time.Now,
	}
}

// Name implements Provider.
func (c *Chainlink) Name() string { return NameChainlink }

type roundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// FetchPrice implements Provider.
func (c *Chainlink) FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	feed, caller, err := c.prepare(ctx, symbol)
	if err != nil {
		return market.PriceQuote{}, err
	}
	decimals, err := c.decimals(ctx, caller, feed)
	if err != nil {
		return market.PriceQuote{}, err
	}
	round, err := c.round(ctx, caller, feed, nil)
	if err != nil {
		return market.PriceQuote{}, err
	}
	price, err := scaleAnswer(round.Answer, decimals)
	if err != nil {
		return market.PriceQuote{}, err
	}

	return market.PriceQuote{
		Symbol:   symbol,
		PriceUSD: price,
		AsOf:     round.UpdatedAt,
	}, nil
}

// FetchMarketSnapshot implements Provider. The series walks feed rounds
// backwards until the lookback or the round budget is exhausted.
func (c *Chainlink) FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout*time.Duration(2+c.opts.HistoryRounds/10))
	defer cancel()

	feed, caller, err := c.prepare(ctx, symbol)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	decimals, err := c.decimals(ctx, caller, feed)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	latest, err := c.round(ctx, caller, feed, nil)
	if err != nil {
		return market.MarketSnapshot{}, err
	}

	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	cutoff := latest.UpdatedAt.AddDate(0, 0, -lookbackDays)

	points := make([]market.PricePoint, 0, c.opts.HistoryRounds)
	current := latest
	for i := 0; i < c.opts.HistoryRounds; i++ {
		price, err := scaleAnswer(current.Answer, decimals)
		if err != nil {
			break
		}
		points = append(points, market.PricePoint{Time: current.UpdatedAt, Price: price})

		prevID := previousRound(current.RoundID)
		if prevID == nil {
			break
		}
		prev, err := c.round(ctx, caller, feed, prevID)
		if err != nil {
			c.logger.Debug().Err(err).Str("round", prevID.String()).Msg("stopping history walk")
			break
		}
		if prev.UpdatedAt.Before(cutoff) {
			break
		}
		current = prev
	}

	series := market.SortSeries(points)
	if len(series) == 0 {
		return market.MarketSnapshot{}, malformed(NameChainlink, "no usable rounds for %s", symbol)
	}

	return market.MarketSnapshot{
		Symbol:       symbol,
		Change24hPct: changeOver(series, 24*time.Hour),
		Series:       series,
	}, nil
}

func (c *Chainlink) prepare(ctx context.Context, symbol string) (common.Address, contractCaller, error) {
	feed := c.feeds.resolve(symbol)
	if !common.IsHexAddress(feed) {
		return common.Address{}, nil, notFound(NameChainlink, "no feed for %q", symbol)
	}
	caller, err := c.getCaller(ctx)
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.HexToAddress(feed), caller, nil
}

func (c *Chainlink) getCaller(ctx context.Context) (contractCaller, error) {
	c.callerMux.Lock()
	defer c.callerMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, unavailable(NameChainlink, errors.New("ethereum rpc url not configured"))
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, unavailable(NameChainlink, fmt.Errorf("dial rpc: %w", err))
	}
	c.caller = client
	return client, nil
}

func (c *Chainlink) call(ctx context.Context, caller contractCaller, feed common.Address, method string, args ...any) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method, args...)
	if err != nil {
		return nil, malformed(NameChainlink, "pack %s: %v", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		return nil, unavailable(NameChainlink, fmt.Errorf("call %s: %w", method, err))
	}
	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, malformed(NameChainlink, "unpack %s: %v", method, err)
	}
	return outputs, nil
}

func (c *Chainlink) decimals(ctx context.Context, caller contractCaller, feed common.Address) (uint8, error) {
	outputs, err := c.call(ctx, caller, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, malformed(NameChainlink, "unexpected decimals response")
	}
	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, malformed(NameChainlink, "failed to decode decimals output")
	}
	return dec, nil
}

// round fetches roundID, or the latest round when roundID is nil.
func (c *Chainlink) round(ctx context.Context, caller contractCaller, feed common.Address, roundID *big.Int) (roundData, error) {
	var (
		outputs []any
		err     error
	)
	if roundID == nil {
		outputs, err = c.call(ctx, caller, feed, "latestRoundData")
	} else {
		outputs, err = c.call(ctx, caller, feed, "getRoundData", roundID)
	}
	if err != nil {
		return roundData{}, err
	}
	if len(outputs) != 5 {
		return roundData{}, malformed(NameChainlink, "unexpected round response")
	}

	id, okID := outputs[0].(*big.Int)
	answer, okAnswer := outputs[1].(*big.Int)
	updated, okUpdated := outputs[3].(*big.Int)
	if !okID || !okAnswer || !okUpdated {
		return roundData{}, malformed(NameChainlink, "failed to decode round output")
	}
	if updated.Sign() == 0 {
		return roundData{}, notFound(NameChainlink, "round %s not complete", id)
	}
	return roundData{RoundID: id, Answer: answer, UpdatedAt: time.Unix(updated.Int64(), 0).UTC()}, nil
}

var aggregatorRoundMask = new(big.Int).SetUint64(^uint64(0))

// previousRound steps back within the current phase. Proxy round ids carry
// the phase in the top bits, and aggregator round zero does not exist.
func previousRound(id *big.Int) *big.Int {
	aggregatorRound := new(big.Int).And(id, aggregatorRoundMask)
	if aggregatorRound.Cmp(big.NewInt(1)) <= 0 {
		return nil
	}
	return new(big.Int).Sub(id, big.NewInt(1))
}

func scaleAnswer(answer *big.Int, decimals uint8) (float64, error) {
	if answer == nil || answer.Sign() <= 0 {
		return 0, malformed(NameChainlink, "non-positive answer")
	}
	value, _ := decimal.NewFromBigInt(answer, -int32(decimals)).Float64()
	return value, nil
}

// changeOver returns the percentage change between the latest point and the
// last point at least window older than it.
func changeOver(series []market.PricePoint, window time.Duration) *float64 {
	if len(series) < 2 {
		return nil
	}
	last := series[len(series)-1]
	cutoff := last.Time.Add(-window)
	for i := len(series) - 2; i >= 0; i-- {
		if !series[i].Time.After(cutoff) {
			return pctChange(&series[i].Price, last.Price)
		}
	}
	return nil
}

var _ Provider = (*Chainlink)(nil)
