// Package degrade runs provider operations with a cache fallback, so that a
// failing provider degrades to cached (possibly expired) data instead of an
// error where the caller allows it.
package degrade

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
)

// Strategy decides what Execute does when the operation fails.
type Strategy int

const (
	// UseCacheOrFail falls back to a fresh cache entry, else fails.
	UseCacheOrFail Strategy = iota
	// UseCacheOrEmpty falls back to a fresh cache entry, else an empty result
	// tagged as served from the cache.
	UseCacheOrEmpty
	// NeverUseCache always fails.
	NeverUseCache
	// UseStaleCache falls back to any cache entry, expired or not, else fails.
	UseStaleCache
)

func (s Strategy) String() string {
	switch s {
	case UseCacheOrFail:
		return "use_cache_or_fail"
	case UseCacheOrEmpty:
		return "use_cache_or_empty"
	case NeverUseCache:
		return "never_use_cache"
	case UseStaleCache:
		return "use_stale_cache"
	}
	return "unknown"
}

// ParseStrategy accepts the names returned by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "use_cache_or_fail":
		return UseCacheOrFail, nil
	case "use_cache_or_empty":
		return UseCacheOrEmpty, nil
	case "never_use_cache":
		return NeverUseCache, nil
	case "use_stale_cache", "":
		return UseStaleCache, nil
	}
	return 0, errors.Newf("unknown degradation strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Data T
	// FromCache is set when Data was read from the cache after a failure.
	FromCache bool
	// IsStale is set when that cache entry had expired.
	IsStale bool
	// OriginalError is the operation's error when a fallback was used.
	OriginalError string
}

// IsDegraded reports whether the result did not come fresh from the operation.
func (r Result[T]) IsDegraded() bool {
	return r.FromCache || r.OriginalError != ""
}

// Controller applies degradation strategies against a ContentCache.
type Controller struct {
	cache   *cache.ContentCache
	log     logger.Logger
	metrics *metrics.Collector
}

func New(log logger.Logger, c *cache.ContentCache, m *metrics.Collector) *Controller {
	return &Controller{
		cache:   c,
		log:     log.WithPrefix("[degrade]"),
		metrics: m,
	}
}

// Execute is ExecuteWithTTL using the cache's default TTL.
func Execute[T any](ctx context.Context, ctrl *Controller, key string, strategy Strategy, op func(ctx context.Context) (T, error)) (Result[T], error) {
	return ExecuteWithTTL(ctx, ctrl, key, 0, strategy, op)
}

// ExecuteWithTTL runs op. On success the result is written to the cache under
// key for ttl and returned fresh; a failed cache write is only logged. On
// failure the strategy decides between a cached value, an empty value and
// the error.
func ExecuteWithTTL[T any](ctx context.Context, ctrl *Controller, key string, ttl time.Duration, strategy Strategy, op func(ctx context.Context) (T, error)) (Result[T], error) {
	data, err := op(ctx)
	if err == nil {
		if cerr := ctrl.cache.Set(ctx, key, data, ttl); cerr != nil {
			ctrl.log.Warn("failed to cache %s: %s", key, cerr)
		}
		ctrl.metrics.DegradedResult(strategy.String(), "fresh")
		return Result[T]{Data: data}, nil
	}

	if strategy == NeverUseCache || errors.Is(err, context.Canceled) {
		ctrl.metrics.DegradedResult(strategy.String(), "error")
		return Result[T]{}, err
	}

	found, cached, stale := lookup[T](ctx, ctrl, key, strategy == UseStaleCache)
	switch {
	case found:
		outcome := "cache"
		if stale {
			outcome = "stale"
		}
		ctrl.metrics.DegradedResult(strategy.String(), outcome)
		ctrl.log.Info("serving %s from cache (stale=%v) after error: %s", key, stale, err)
		return Result[T]{Data: cached, FromCache: true, IsStale: stale, OriginalError: err.Error()}, nil
	case strategy == UseCacheOrEmpty:
		ctrl.metrics.DegradedResult(strategy.String(), "empty")
		ctrl.log.Info("serving empty %s after error: %s", key, err)
		return Result[T]{Data: empty[T](), FromCache: true, OriginalError: err.Error()}, nil
	}
	ctrl.metrics.DegradedResult(strategy.String(), "error")
	return Result[T]{}, err
}

// lookup reads key from the cache. When allowStale is set an expired entry
// is returned with stale set. Unreadable entries count as missing.
func lookup[T any](ctx context.Context, c *Controller, key string, allowStale bool) (found bool, data T, stale bool) {
	found, data, err := cache.Get[T](ctx, c.cache, key)
	if err != nil {
		c.log.Warn("cache lookup of %s failed: %s", key, err)
	}
	if found || !allowStale {
		return found, data, false
	}
	found, data, err = cache.GetStale[T](ctx, c.cache, key)
	if err != nil {
		c.log.Warn("stale cache lookup of %s failed: %s", key, err)
	}
	return found, data, found
}

func (c *Controller) HasCache(ctx context.Context, key string) (bool, error) {
	return c.cache.Has(ctx, key)
}

func (c *Controller) HasStaleCache(ctx context.Context, key string) (bool, error) {
	return c.cache.HasStale(ctx, key)
}

// InvalidateCache removes the cache entries matching the LIKE pattern.
func (c *Controller) InvalidateCache(ctx context.Context, pattern string) (int64, error) {
	return c.cache.Invalidate(ctx, pattern)
}

// empty returns the zero value of T with slices and maps allocated, so that
// callers receive [] rather than null.
func empty[T any]() T {
	var zero T
	v := reflect.ValueOf(&zero).Elem()
	switch v.Kind() {
	case reflect.Slice:
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	case reflect.Map:
		v.Set(reflect.MakeMap(v.Type()))
	}
	return zero
}
