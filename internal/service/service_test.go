package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-signal-engine/internal/cache"
	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/fetcher"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/ratelimit"
	"market-signal-engine/internal/storage"
)

type fakeSource struct {
	mu        sync.Mutex
	price     float64
	series    []market.PricePoint
	priceErr  error
	priceHits int
	snapHits  int
}

func (f *fakeSource) FetchPrice(_ context.Context, symbol string) (market.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceHits++
	if f.priceErr != nil {
		return market.PriceQuote{}, f.priceErr
	}
	return market.PriceQuote{
		Symbol:     symbol,
		PriceUSD:   f.price,
		Provenance: market.Provenance{Provider: "coingecko"},
	}, nil
}

func (f *fakeSource) FetchMarketSnapshot(_ context.Context, symbol string, _ int) (market.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapHits++
	return market.MarketSnapshot{
		Symbol:     symbol,
		Series:     f.series,
		Provenance: market.Provenance{Provider: "yahoo", Tier: 2, Fallback: true},
	}, nil
}

type memoryStore struct {
	mu       sync.Mutex
	alerts   map[string]storage.AlertRecord
	removed  []string
	events   []storage.TriggerEvent
	locked   bool
	lockErr  error
	lockHeld bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{alerts: map[string]storage.AlertRecord{}}
}

func (m *memoryStore) InsertAlert(_ context.Context, a storage.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *memoryStore) MarkTriggered(_ context.Context, id string, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.alerts[id]
	rec.State = storage.StateTriggered
	rec.TriggeredAt = &at
	rec.TriggerPrice = &price
	m.alerts[id] = rec
	m.events = append(m.events, storage.TriggerEvent{AlertID: id, Token: rec.TokenAddress, Observed: price, TriggeredAt: at})
	return nil
}

func (m *memoryStore) MarkRemoved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.alerts[id]
	rec.State = storage.StateRemoved
	rec.RemovedAt = &at
	m.alerts[id] = rec
	m.removed = append(m.removed, id)
	return nil
}

func (m *memoryStore) ListActiveAlerts(context.Context) ([]storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AlertRecord
	for _, a := range m.alerts {
		if a.State == storage.StateActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AlertRecord
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memoryStore) ListRecentEvents(context.Context, int) ([]storage.TriggerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.TriggerEvent(nil), m.events...), nil
}

func (m *memoryStore) DeleteAlertsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if m.lockErr != nil {
		return nil, false, m.lockErr
	}
	if m.lockHeld {
		return nil, false, nil
	}
	m.locked = true
	return func() { m.locked = false }, true, nil
}

func risingSeries(n int) []market.PricePoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.PricePoint, n)
	for i := range out {
		out[i] = market.PricePoint{Time: start.AddDate(0, 0, i), Price: 100 + float64(i)}
	}
	return out
}

func newTestService(t *testing.T, src *fakeSource, store storage.AlertStore, calls int) *Service {
	t.Helper()
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	mon := monitor.New(src, nil, monitor.Options{Store: store, Now: now}, zerolog.Nop())
	opts := Options{
		Source:       src,
		Monitor:      mon,
		Limiter:      ratelimit.New(ratelimit.Options{Calls: calls, Window: time.Minute, Now: now}),
		Cache:        cache.New[pipeline.Response](cache.NewMemoryBackend(), cache.Options{Now: now}, zerolog.Nop()),
		CacheTTL:     time.Minute,
		LookbackDays: 90,
		LockKey:      42,
		Now:          now,
	}
	if store != nil {
		opts.Store = store
	}
	return New(opts, zerolog.Nop())
}

func TestGetPriceIsCached(t *testing.T) {
	src := &fakeSource{price: 42}
	svc := newTestService(t, src, nil, 10)
	ctx := context.Background()

	first, err := svc.GetPrice(ctx, "u1", " BTC ")
	require.NoError(t, err)
	second, err := svc.GetPrice(ctx, "u2", "btc")
	require.NoError(t, err)

	assert.Equal(t, 42.0, first.PriceUSD)
	assert.Equal(t, first.PriceUSD, second.PriceUSD)
	assert.Equal(t, "btc", second.Symbol)
	assert.Equal(t, "coingecko", second.Provenance.Provider)
	assert.Equal(t, 1, src.priceHits, "second call within TTL must be served from cache")
}

func TestGetPriceRateLimited(t *testing.T) {
	src := &fakeSource{price: 1}
	svc := newTestService(t, src, nil, 1)
	ctx := context.Background()

	_, err := svc.GetPrice(ctx, "u1", "eth")
	require.NoError(t, err)

	_, err = svc.GetPrice(ctx, "u1", "eth")
	require.ErrorIs(t, err, pipeline.ErrRateLimited)
	assert.Contains(t, Suggestion(err), "Please wait")
	assert.Equal(t, 1, src.priceHits)

	_, err = svc.GetPrice(ctx, "u2", "eth")
	require.NoError(t, err, "limits are per caller")
}

func TestGetPriceRejectsBlankSymbol(t *testing.T) {
	svc := newTestService(t, &fakeSource{}, nil, 10)
	_, err := svc.GetPrice(context.Background(), "u1", "   ")
	require.ErrorIs(t, err, ErrInvalidSymbol)
	assert.NotEmpty(t, Suggestion(err))
}

func TestGetSignal(t *testing.T) {
	src := &fakeSource{series: risingSeries(60)}
	svc := newTestService(t, src, nil, 10)

	report, err := svc.GetSignal(context.Background(), "u1", "sol")
	require.NoError(t, err)

	assert.Equal(t, "sol", report.Symbol)
	assert.Equal(t, 100.0, report.Indicators.RSI)
	assert.NotEmpty(t, report.Signal.Reasons)
	assert.NotEmpty(t, report.DCA.Entries)
	assert.True(t, report.Provenance.Fallback)
	assert.Equal(t, "yahoo", report.Provenance.Provider)
	assert.False(t, report.FromCache)

	again, err := svc.GetSignal(context.Background(), "u1", "sol")
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, 1, src.snapHits)
}

func TestGetSignalInsufficientData(t *testing.T) {
	src := &fakeSource{series: risingSeries(5)}
	svc := newTestService(t, src, nil, 10)

	_, err := svc.GetSignal(context.Background(), "u1", "pepe")
	require.ErrorIs(t, err, indicator.ErrInsufficientData)
	assert.Contains(t, Suggestion(err), "Not enough price history")
}

func TestRegisterAlertValidation(t *testing.T) {
	svc := newTestService(t, &fakeSource{price: 1}, nil, 10)
	ctx := context.Background()

	cases := []struct {
		name   string
		token  string
		target decimal.Decimal
		dir    monitor.Direction
	}{
		{"blank token", " ", decimal.NewFromInt(1), monitor.Above},
		{"bad hex", "0x1234", decimal.NewFromInt(1), monitor.Above},
		{"zero target", "btc", decimal.Zero, monitor.Above},
		{"negative target", "btc", decimal.NewFromInt(-3), monitor.Below},
		{"bad direction", "btc", decimal.NewFromInt(1), monitor.Direction("sideways")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RegisterAlert(ctx, tc.token, tc.target, tc.dir)
			require.ErrorIs(t, err, ErrInvalidAlert)
		})
	}
}

func TestRegisterAlertTokenNotFound(t *testing.T) {
	src := &fakeSource{priceErr: &failover.ExhaustedError{
		Symbol: "nope",
		Op:     "price",
		Attempts: []failover.ProviderAttempt{
			{Provider: "coingecko", Calls: 1, Err: fmt.Errorf("coingecko: %w", fetcher.ErrNotFound)},
			{Provider: "dexscreener", Calls: 1, Err: fmt.Errorf("dexscreener: %w", fetcher.ErrNotFound)},
		},
	}}
	svc := newTestService(t, src, nil, 10)

	_, err := svc.RegisterAlert(context.Background(), "nope", decimal.NewFromInt(1), monitor.Above)
	require.ErrorIs(t, err, ErrTokenNotFound)
	assert.NotEmpty(t, Suggestion(err))
}

func TestRegisterAlertUnavailableIsNotNotFound(t *testing.T) {
	src := &fakeSource{priceErr: &failover.ExhaustedError{
		Symbol:   "btc",
		Op:       "price",
		Attempts: []failover.ProviderAttempt{{Provider: "coingecko", Calls: 5, Err: fetcher.ErrUnavailable}},
	}}
	svc := newTestService(t, src, nil, 10)

	_, err := svc.RegisterAlert(context.Background(), "btc", decimal.NewFromInt(1), monitor.Above)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTokenNotFound))
	assert.ErrorIs(t, err, failover.ErrAllProvidersExhausted)
}

func TestAlertLifecycleWithStore(t *testing.T) {
	src := &fakeSource{price: 95}
	store := newMemoryStore()
	svc := newTestService(t, src, store, 10)
	ctx := context.Background()

	id, err := svc.RegisterAlert(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", decimal.NewFromInt(100), monitor.Above)
	require.NoError(t, err)

	rec, ok := store.alerts[id]
	require.True(t, ok, "alert must be persisted")
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", rec.TokenAddress)
	assert.Equal(t, "above", rec.Direction)
	assert.Equal(t, storage.StateActive, rec.State)

	bucket := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, price := range []float64{95, 101, 105} {
		src.mu.Lock()
		src.price = price
		src.mu.Unlock()
		require.NoError(t, svc.ProcessBucket(ctx, bucket))
	}

	alert, ok := svc.Alert(id)
	require.True(t, ok)
	assert.Equal(t, monitor.Triggered, alert.State)
	require.NotNil(t, alert.TriggerPrice)
	assert.True(t, alert.TriggerPrice.Equal(decimal.NewFromInt(101)))

	history, err := svc.TriggerHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, store.locked, "advisory lock must be released after the tick")

	assert.False(t, svc.CancelAlert(ctx, id), "terminal alerts cannot be cancelled")
}

func TestCancelAlertPersistsRemoval(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, &fakeSource{price: 10}, store, 10)
	ctx := context.Background()

	id, err := svc.RegisterAlert(ctx, "eth", decimal.NewFromInt(5), monitor.Below)
	require.NoError(t, err)

	assert.True(t, svc.CancelAlert(ctx, id))
	assert.False(t, svc.CancelAlert(ctx, id))
	assert.Equal(t, []string{id}, store.removed)
	assert.Equal(t, storage.StateRemoved, store.alerts[id].State)
}

func TestRestoreAlerts(t *testing.T) {
	store := newMemoryStore()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store.alerts["a1"] = storage.AlertRecord{ID: "a1", TokenAddress: "btc", Target: decimal.NewFromInt(1), Direction: "above", State: storage.StateActive, CreatedAt: created}
	store.alerts["a2"] = storage.AlertRecord{ID: "a2", TokenAddress: "btc", Target: decimal.NewFromInt(1), Direction: "below", State: storage.StateTriggered, CreatedAt: created}
	store.alerts["a3"] = storage.AlertRecord{ID: "a3", TokenAddress: "btc", Target: decimal.NewFromInt(1), Direction: "weird", State: storage.StateActive, CreatedAt: created}

	svc := newTestService(t, &fakeSource{}, store, 10)
	loaded, err := svc.RestoreAlerts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	a, ok := svc.Alert("a1")
	require.True(t, ok)
	assert.Equal(t, monitor.Above, a.Direction)
	assert.Equal(t, monitor.Active, a.State)
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	src := &fakeSource{price: 200}
	store := newMemoryStore()
	svc := newTestService(t, src, store, 10)
	ctx := context.Background()

	id, err := svc.RegisterAlert(ctx, "btc", decimal.NewFromInt(100), monitor.Above)
	require.NoError(t, err)
	hitsAfterRegister := src.priceHits

	store.lockHeld = true
	require.NoError(t, svc.ProcessBucket(ctx, time.Now()))
	assert.Equal(t, hitsAfterRegister, src.priceHits, "no fetch while another instance holds the lock")

	a, _ := svc.Alert(id)
	assert.Equal(t, monitor.Active, a.State)

	store.lockHeld = false
	store.lockErr = errors.New("db down")
	require.Error(t, svc.ProcessBucket(ctx, time.Now()))
}

func TestListAlertsWithoutStore(t *testing.T) {
	svc := newTestService(t, &fakeSource{price: 10}, nil, 10)
	ctx := context.Background()

	first, err := svc.RegisterAlert(ctx, "btc", decimal.NewFromInt(5), monitor.Below)
	require.NoError(t, err)
	second, err := svc.RegisterAlert(ctx, "eth", decimal.NewFromInt(50), monitor.Above)
	require.NoError(t, err)

	alerts, err := svc.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	ids := []string{alerts[0].ID, alerts[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)

	_, err = svc.TriggerHistory(ctx, 10)
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestSuggestion(t *testing.T) {
	assert.Empty(t, Suggestion(nil))
	assert.Empty(t, Suggestion(errors.New("other")))

	throttled := &failover.ExhaustedError{Attempts: []failover.ProviderAttempt{{Provider: "coingecko", Err: fetcher.ErrRateLimited}}}
	assert.Contains(t, Suggestion(throttled), "throttling")

	down := &failover.ExhaustedError{Attempts: []failover.ProviderAttempt{{Provider: "coingecko", Err: fetcher.ErrUnavailable}}}
	assert.Contains(t, Suggestion(down), "temporarily unavailable")
}
