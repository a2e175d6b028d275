package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultMaxAttempts          = 5
	defaultBaseDelay            = 1500 * time.Millisecond
	defaultRateLimitedBaseDelay = 5 * time.Second
	defaultMaxDelay             = time.Minute
)

// Classifier inspects an error.
type Classifier func(err error) bool

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the tunable parts of a Policy.
type Config struct {
	MaxAttempts          int
	BaseDelay            time.Duration
	RateLimitedBaseDelay time.Duration
	MaxDelay             time.Duration
	Jitter               float64
}

// Policy decides whether and when a failed call is retried.
type Policy struct {
	cfg         Config
	retryable   Classifier
	rateLimited Classifier
	sleep       SleepFunc

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customises a Policy.
type Option func(*Policy)

// WithRetryable sets the classifier for errors worth retrying in place.
func WithRetryable(fn Classifier) Option {
	return func(p *Policy) { p.retryable = fn }
}

// WithRateLimited sets the classifier for errors using the longer base delay.
func WithRateLimited(fn Classifier) Option {
	return func(p *Policy) { p.rateLimited = fn }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rand = r }
}

// NewPolicy constructs a Policy with defaults for unset fields.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.RateLimitedBaseDelay <= 0 {
		cfg.RateLimitedBaseDelay = defaultRateLimitedBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}

	p := &Policy{
		cfg:         cfg,
		retryable:   defaultRetryable,
		rateLimited: func(error) bool { return false },
		sleep:       Sleep,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the per-call attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Retryable reports whether err may be retried in place.
func (p *Policy) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return p.retryable(err)
}

// Delay returns the wait before the retry that follows the given zero-based
// failed attempt: base * 2^attempt, capped and jittered.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	base := p.cfg.BaseDelay
	if err != nil && p.rateLimited(err) {
		base = p.cfg.RateLimitedBaseDelay
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}

	if p.cfg.Jitter > 0 {
		p.randMu.Lock()
		spread := (p.rand.Float64()*2 - 1) * p.cfg.Jitter
		p.randMu.Unlock()
		delay += delay * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is done. It returns the number of calls made.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !p.Retryable(lastErr) || attempt == p.cfg.MaxAttempts-1 {
			return attempt + 1, lastErr
		}

		if err := p.sleep(ctx, p.Delay(attempt, lastErr)); err != nil {
			return attempt + 1, err
		}
	}
	return p.cfg.MaxAttempts, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultRetryable(err error) bool {
	return err != nil
}
