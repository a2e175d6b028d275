package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/cache"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/ratelimit"
	"market-signal-engine/internal/signal"
)

// Op names the inbound operation a request performs.
type Op string

const (
	OpPrice    Op = "price"
	OpSnapshot Op = "snapshot"
	OpSignal   Op = "signal"
)

// Request is the uniform input of every stage.
type Request struct {
	CallerID     string
	Op           Op
	Symbol       string
	LookbackDays int
}

// CacheKey identifies requests with interchangeable responses. The caller is
// not part of the key.
func (r Request) CacheKey() string {
	return fmt.Sprintf("%s:%s:%d", r.Op, r.Symbol, r.LookbackDays)
}

// Response carries whichever results the operation produced.
type Response struct {
	Quote      *market.PriceQuote     `msgpack:"quote,omitempty"`
	Snapshot   *market.MarketSnapshot `msgpack:"snapshot,omitempty"`
	Signal     *signal.Signal         `msgpack:"signal,omitempty"`
	Indicators *indicator.Set         `msgpack:"indicators,omitempty"`
	DCA        *signal.DCAPlan        `msgpack:"dca,omitempty"`
	FromCache  bool                   `msgpack:"-"`
}

// Handler serves a request.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Middleware wraps a handler with one stage.
type Middleware func(Handler) Handler

// Chain wraps h so that the first middleware is the outermost stage.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ErrRateLimited matches every *RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError is returned when a caller exceeds its window.
type RateLimitedError struct {
	CallerID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded. " + ratelimit.FormatWait(e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Admitter decides whether a caller may proceed.
type Admitter interface {
	Admit(callerID string) (bool, time.Duration)
}

// RateLimit rejects callers over their budget before any later stage runs.
func RateLimit(l Admitter) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
			if ok, retryAfter := l.Admit(req.CallerID); !ok {
				return Response{}, &RateLimitedError{CallerID: req.CallerID, RetryAfter: retryAfter}
			}
			return next.Handle(ctx, req)
		})
	}
}

// Cache serves live responses from c and stores fresh ones for ttl.
func Cache(c *cache.Cache[Response], ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
			resp, hit, err := c.GetOrCompute(ctx, req.CacheKey(), ttl, func(ctx context.Context) (Response, error) {
				return next.Handle(ctx, req)
			})
			if err != nil {
				return Response{}, err
			}
			resp.FromCache = hit
			return resp, nil
		})
	}
}

// Logging records each request outcome at debug level, and failures at warn.
func Logging(logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "pipeline").Logger()
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
			start := time.Now()
			resp, err := next.Handle(ctx, req)
			evt := logger.Debug()
			if err != nil && !errors.Is(err, ErrRateLimited) {
				evt = logger.Warn().Err(err)
			}
			evt.Str("op", string(req.Op)).
				Str("symbol", req.Symbol).
				Str("caller", req.CallerID).
				Bool("from_cache", resp.FromCache).
				Dur("took", time.Since(start)).
				Msg("request served")
			return resp, err
		})
	}
}
