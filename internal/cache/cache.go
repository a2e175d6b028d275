package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a stored, encoded value.
type Entry struct {
	Value     []byte        `msgpack:"v"`
	CreatedAt time.Time     `msgpack:"c"`
	TTL       time.Duration `msgpack:"t"`
}

// Expired reports whether the entry is older than its stored TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Backend persists cache entries.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Options tune cache behaviour.
type Options struct {
	Now func() time.Time
}

// Cache memoises computed values of type V for a caller-supplied TTL.
type Cache[V any] struct {
	backend Backend
	now     func() time.Time
	logger  zerolog.Logger
}

// New constructs a cache over backend.
func New[V any](backend Backend, opts Options, logger zerolog.Logger) *Cache[V] {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		backend: backend,
		now:     now,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

// GetOrCompute returns the live entry for key, or runs compute and stores its
// result. Compute errors are returned and never cached. Concurrent misses for
// the same key each run compute.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, bool, error) {
	var zero V

	if ttl > 0 {
		if value, ok := c.lookup(ctx, key, ttl); ok {
			return value, true, nil
		}
	}

	value, err := compute(ctx)
	if err != nil {
		return zero, false, err
	}

	if ttl > 0 {
		if err := c.store(ctx, key, ttl, value); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to store cache entry")
		}
	}
	return value, false, nil
}

func (c *Cache[V]) lookup(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	var value V

	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed; computing")
		return value, false
	}
	if !ok {
		return value, false
	}
	if c.now().Sub(entry.CreatedAt) >= ttl {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("failed to evict stale entry")
		}
		return value, false
	}
	if err := msgpack.Unmarshal(entry.Value, &value); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		_ = c.backend.Delete(ctx, key)
		var zero V
		return zero, false
	}
	return value, true
}

func (c *Cache[V]) store(ctx context.Context, key string, ttl time.Duration, value V) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.backend.Set(ctx, key, Entry{Value: payload, CreatedAt: c.now(), TTL: ttl})
}

// Invalidate removes key.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// Prune removes expired entries from the backend.
func (c *Cache[V]) Prune(ctx context.Context) (int, error) {
	removed, err := c.backend.Prune(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("pruned expired cache entries")
	}
	return removed, nil
}
