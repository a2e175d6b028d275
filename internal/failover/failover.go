package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/fetcher"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/retry"
)

// ErrAllProvidersExhausted matches every *ExhaustedError.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ProviderAttempt summarises the calls made to one provider.
type ProviderAttempt struct {
	Provider string
	Calls    int
	Err      error
}

// ExhaustedError is returned when no provider produced a result.
type ExhaustedError struct {
	Symbol   string
	Op       string
	Attempts []ProviderAttempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s x%d: %v", a.Provider, a.Calls, a.Err))
	}
	return fmt.Sprintf("%s %s: %v [%s]", e.Op, e.Symbol, ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllProvidersExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// AllNotFound reports whether every provider said the symbol does not exist.
func (e *ExhaustedError) AllNotFound() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if fetcher.KindOf(a.Err) != fetcher.KindNotFound {
			return false
		}
	}
	return true
}

// RateLimitedOnly reports whether every provider ended throttled.
func (e *ExhaustedError) RateLimitedOnly() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !fetcher.IsRateLimited(a.Err) {
			return false
		}
	}
	return true
}

// NewPolicy builds a retry policy that classifies errors with the provider
// failure taxonomy.
func NewPolicy(cfg retry.Config, opts ...retry.Option) *retry.Policy {
	base := []retry.Option{
		retry.WithRetryable(fetcher.IsTransient),
		retry.WithRateLimited(fetcher.IsRateLimited),
	}
	return retry.NewPolicy(cfg, append(base, opts...)...)
}

// Fetcher queries providers strictly in priority order.
type Fetcher struct {
	providers []fetcher.Provider
	policy    *retry.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs a failover fetcher. The first provider is the primary.
func New(providers []fetcher.Provider, policy *retry.Policy, logger zerolog.Logger) *Fetcher {
	if policy == nil {
		policy = NewPolicy(retry.Config{})
	}
	return &Fetcher{
		providers: append([]fetcher.Provider(nil), providers...),
		policy:    policy,
		logger:    logger.With().Str("component", "failover").Logger(),
		now:       time.Now,
	}
}

// Providers returns the provider names in priority order.
func (f *Fetcher) Providers() []string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return names
}

// FetchPrice returns the first successful quote.
func (f *Fetcher) FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error) {
	quote, prov, err := run(ctx, f, symbol, "price", func(ctx context.Context, p fetcher.Provider) (market.PriceQuote, error) {
		return p.FetchPrice(ctx, symbol)
	})
	if err != nil {
		return market.PriceQuote{}, err
	}
	quote.Provenance = prov
	return quote, nil
}

// FetchMarketSnapshot returns the first successful snapshot.
func (f *Fetcher) FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error) {
	snap, prov, err := run(ctx, f, symbol, "snapshot", func(ctx context.Context, p fetcher.Provider) (market.MarketSnapshot, error) {
		return p.FetchMarketSnapshot(ctx, symbol, lookbackDays)
	})
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	snap.Provenance = prov
	return snap, nil
}

func run[T any](ctx context.Context, f *Fetcher, symbol, op string, call func(context.Context, fetcher.Provider) (T, error)) (T, market.Provenance, error) {
	var zero T
	attempts := make([]ProviderAttempt, 0, len(f.providers))

	for tier, p := range f.providers {
		var result T
		calls, err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			r, err := call(ctx, p)
			if err != nil {
				f.logger.Debug().
					Err(err).
					Str("provider", p.Name()).
					Str("symbol", symbol).
					Str("op", op).
					Int("attempt", attempt+1).
					Msg("provider call failed")
				return err
			}
			result = r
			return nil
		})
		if err == nil {
			if tier > 0 {
				f.logger.Info().Str("provider", p.Name()).Str("symbol", symbol).Str("op", op).Msg("served by fallback provider")
			}
			return result, market.Provenance{
				Provider:  p.Name(),
				Tier:      tier,
				Fallback:  tier > 0,
				FetchedAt: f.now().UTC(),
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, market.Provenance{}, ctxErr
		}

		f.logger.Warn().
			Err(err).
			Str("provider", p.Name()).
			Str("symbol", symbol).
			Str("op", op).
			Int("calls", calls).
			Msg("provider exhausted, failing over")
		attempts = append(attempts, ProviderAttempt{Provider: p.Name(), Calls: calls, Err: err})
	}

	return zero, market.Provenance{}, &ExhaustedError{Symbol: symbol, Op: op, Attempts: attempts}
}
