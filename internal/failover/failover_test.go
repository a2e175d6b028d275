package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-signal-engine/internal/fetcher"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/retry"
)

// scriptedProvider returns errs in order, then succeeds with price.
type scriptedProvider struct {
	name  string
	errs  []error
	price float64

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) next() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= len(p.errs) {
		return p.errs[p.calls-1]
	}
	if p.price == 0 {
		return p.errs[len(p.errs)-1]
	}
	return nil
}

func (p *scriptedProvider) FetchPrice(_ context.Context, symbol string) (market.PriceQuote, error) {
	if err := p.next(); err != nil {
		return market.PriceQuote{}, err
	}
	return market.PriceQuote{Symbol: symbol, PriceUSD: p.price}, nil
}

func (p *scriptedProvider) FetchMarketSnapshot(_ context.Context, symbol string, _ int) (market.MarketSnapshot, error) {
	if err := p.next(); err != nil {
		return market.MarketSnapshot{}, err
	}
	return market.MarketSnapshot{Symbol: symbol, Series: []market.PricePoint{{Time: time.Now(), Price: p.price}}}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func providerErr(name string, kind fetcher.Kind) error {
	return &fetcher.ProviderError{Provider: name, Kind: kind}
}

func noSleepPolicy() *retry.Policy {
	return NewPolicy(retry.Config{MaxAttempts: 5}, retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

func TestFailoverAfterTransientExhaustion(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: repeat(providerErr("a", fetcher.KindUnavailable), 5)}
	b := &scriptedProvider{name: "b", errs: repeat(providerErr("b", fetcher.KindRateLimited), 5)}
	c := &scriptedProvider{name: "c", price: 42}

	f := New([]fetcher.Provider{a, b, c}, noSleepPolicy(), zerolog.Nop())
	quote, err := f.FetchPrice(context.Background(), "btc")

	require.NoError(t, err)
	assert.Equal(t, 42.0, quote.PriceUSD)
	assert.Equal(t, 5, a.Calls())
	assert.Equal(t, 5, b.Calls())
	assert.Equal(t, 1, c.Calls())
	assert.Equal(t, "c", quote.Provenance.Provider)
	assert.Equal(t, 2, quote.Provenance.Tier)
	assert.True(t, quote.Provenance.Fallback)
}

func TestNotFoundAdvancesImmediately(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{providerErr("a", fetcher.KindNotFound)}}
	b := &scriptedProvider{name: "b", price: 7}

	f := New([]fetcher.Provider{a, b}, noSleepPolicy(), zerolog.Nop())
	snap, err := f.FetchMarketSnapshot(context.Background(), "eth", 30)

	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, "b", snap.Provenance.Provider)
}

func TestPrimaryResultIsNotFallback(t *testing.T) {
	a := &scriptedProvider{name: "a", price: 1}
	f := New([]fetcher.Provider{a}, noSleepPolicy(), zerolog.Nop())

	quote, err := f.FetchPrice(context.Background(), "btc")
	require.NoError(t, err)
	assert.False(t, quote.Provenance.Fallback)
	assert.Equal(t, 0, quote.Provenance.Tier)
	assert.False(t, quote.Provenance.FetchedAt.IsZero())
}

func TestExhaustedErrorAggregatesAttempts(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{providerErr("a", fetcher.KindNotFound)}}
	b := &scriptedProvider{name: "b", errs: []error{providerErr("b", fetcher.KindMalformed)}}

	f := New([]fetcher.Provider{a, b}, noSleepPolicy(), zerolog.Nop())
	_, err := f.FetchPrice(context.Background(), "zzz")

	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].Provider)
	assert.Equal(t, 1, exhausted.Attempts[1].Calls)
	assert.False(t, exhausted.AllNotFound())
	assert.Contains(t, err.Error(), "zzz")
}

func TestAllNotFound(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{providerErr("a", fetcher.KindNotFound)}}
	b := &scriptedProvider{name: "b", errs: []error{fmt.Errorf("wrapped: %w", providerErr("b", fetcher.KindNotFound))}}

	f := New([]fetcher.Provider{a, b}, noSleepPolicy(), zerolog.Nop())
	_, err := f.FetchPrice(context.Background(), "zzz")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.AllNotFound())
}

func TestCancellationIsNotExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedProvider{name: "a", errs: repeat(providerErr("a", fetcher.KindUnavailable), 5)}
	b := &scriptedProvider{name: "b", price: 1}

	policy := NewPolicy(retry.Config{MaxAttempts: 5}, retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	f := New([]fetcher.Provider{a, b}, policy, zerolog.Nop())

	_, err := f.FetchPrice(ctx, "btc")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 0, b.Calls())
}

func TestProvidersOrder(t *testing.T) {
	f := New([]fetcher.Provider{&scriptedProvider{name: "x"}, &scriptedProvider{name: "y"}}, nil, zerolog.Nop())
	assert.Equal(t, []string{"x", "y"}, f.Providers())
}
