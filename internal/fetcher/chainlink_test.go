package fetcher

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
)

// fakeFeed serves AggregatorV3 calls from an in-memory round list.
type fakeFeed struct {
	decimals uint8
	phase    uint64
	rounds   map[uint64]fakeRound
	latest   uint64
	calls    int
}

type fakeRound struct {
	answer  int64
	updated int64
}

func (f *fakeFeed) roundID(n uint64) *big.Int {
	id := new(big.Int).Lsh(new(big.Int).SetUint64(f.phase), 64)
	return id.Or(id, new(big.Int).SetUint64(n))
}

func (f *fakeFeed) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	selector := msg.Data[:4]
	switch {
	case bytes.Equal(selector, aggregatorV3ABI.Methods["decimals"].ID):
		return aggregatorV3ABI.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.Equal(selector, aggregatorV3ABI.Methods["latestRoundData"].ID):
		return f.pack(f.latest)
	case bytes.Equal(selector, aggregatorV3ABI.Methods["getRoundData"].ID):
		args, err := aggregatorV3ABI.Methods["getRoundData"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		id := args[0].(*big.Int)
		n := new(big.Int).And(id, aggregatorRoundMask).Uint64()
		if _, ok := f.rounds[n]; !ok {
			return nil, errors.New("execution reverted: No data present")
		}
		return f.pack(n)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeFeed) pack(n uint64) ([]byte, error) {
	r := f.rounds[n]
	id := f.roundID(n)
	return aggregatorV3ABI.Methods["latestRoundData"].Outputs.Pack(
		id, big.NewInt(r.answer), big.NewInt(r.updated), big.NewInt(r.updated), id,
	)
}

func newTestChainlink(feed *fakeFeed, rounds int) *Chainlink {
	c := NewChainlink(ChainlinkOptions{HistoryRounds: rounds, Timeout: time.Second}, noopLogger())
	c.caller = feed
	return c
}

func TestChainlinkFetchPrice(t *testing.T) {
	feed := &fakeFeed{
		decimals: 8,
		phase:    6,
		latest:   10,
		rounds:   map[uint64]fakeRound{10: {answer: 6_512_345_000_000, updated: 1_750_000_000}},
	}
	c := newTestChainlink(feed, 5)

	quote, err := c.FetchPrice(context.Background(), "btc")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if quote.PriceUSD != 65123.45 {
		t.Fatalf("期望 65123.45, 实际 %v", quote.PriceUSD)
	}
	if !quote.AsOf.Equal(time.Unix(1_750_000_000, 0)) {
		t.Fatal("AsOf 应为轮次更新时间")
	}
}

func TestChainlinkUnknownFeedIsNotFound(t *testing.T) {
	c := newTestChainlink(&fakeFeed{}, 5)
	if _, err := c.FetchPrice(context.Background(), "doge"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("无喂价合约应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestChainlinkMissingRPC(t *testing.T) {
	c := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := c.FetchPrice(context.Background(), "eth"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("未配置 RPC 时应返回 ErrUnavailable, 实际 %v", err)
	}
}

func TestChainlinkSnapshotWalksRounds(t *testing.T) {
	base := int64(1_750_000_000)
	hour := int64(3600)
	feed := &fakeFeed{
		decimals: 8,
		phase:    1,
		latest:   5,
		rounds: map[uint64]fakeRound{
			2: {answer: 100_00000000, updated: base - 30*hour},
			3: {answer: 200_00000000, updated: base - 24*hour},
			4: {answer: 220_00000000, updated: base - 12*hour},
			5: {answer: 250_00000000, updated: base},
		},
	}
	c := newTestChainlink(feed, 3)

	snap, err := c.FetchMarketSnapshot(context.Background(), "eth", 30)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	prices := snap.Prices()
	if len(prices) != 3 || prices[0] != 200 || prices[2] != 250 {
		t.Fatalf("应按轮次上限回溯并升序: %v", prices)
	}
	if snap.Change24hPct == nil || *snap.Change24hPct != 25 {
		t.Fatalf("24h 涨跌幅应为 25%%")
	}
}

func TestPreviousRoundStopsAtPhaseStart(t *testing.T) {
	feed := &fakeFeed{phase: 3}
	if previousRound(feed.roundID(1)) != nil {
		t.Fatal("阶段首轮之前不应再回溯")
	}
	prev := previousRound(feed.roundID(9))
	if prev.Cmp(feed.roundID(8)) != 0 {
		t.Fatal("应回溯到上一轮")
	}
}
