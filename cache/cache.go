package cache

import (
	"context"
	"time"

	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a stored cache row. Payload is the msgpack encoding of the value.
type Entry struct {
	Key         string
	ProfileID   string
	ContentType string
	Payload     []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the entry is no longer fresh at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Store is a persistent storage engine for cache entries.
type Store interface {
	// Put inserts or replaces the entry stored under entry.Key.
	Put(ctx context.Context, entry Entry) error
	// Lookup returns the entry for key regardless of expiry, or nil.
	Lookup(ctx context.Context, key string) (*Entry, error)
	// DeleteMatching removes entries whose key matches a LIKE pattern.
	DeleteMatching(ctx context.Context, pattern string) (int64, error)
	// DeleteProfile removes every entry owned by profileID.
	DeleteProfile(ctx context.Context, profileID string) (int64, error)
	// Purge removes entries that expired before the given time.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Reader is implemented by the cache layers that serve raw payloads.
type Reader interface {
	GetRaw(ctx context.Context, key string) ([]byte, bool, error)
	GetStaleRaw(ctx context.Context, key string) ([]byte, bool, error)
}

// Get returns the fresh value stored under key decoded as T.
func Get[T any](ctx context.Context, r Reader, key string) (bool, T, error) {
	data, ok, err := r.GetRaw(ctx, key)
	if !ok || err != nil {
		var zero T
		return false, zero, err
	}
	return decode[T](key, data)
}

// GetStale returns the value stored under key decoded as T, ignoring expiry.
func GetStale[T any](ctx context.Context, r Reader, key string) (bool, T, error) {
	data, ok, err := r.GetStaleRaw(ctx, key)
	if !ok || err != nil {
		var zero T
		return false, zero, err
	}
	return decode[T](key, data)
}

func decode[T any](key string, data []byte) (bool, T, error) {
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return false, zero, fault.Decode("get", key, err)
	}
	return true, result, nil
}

func encode(key string, val any) ([]byte, error) {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return nil, fault.Validation("set", key, err)
	}
	return data, nil
}

// DefaultTTL is used when Set is called with a ttl <= 0.
const DefaultTTL = time.Hour

// DefaultQueryTimeout bounds every storage operation.
const DefaultQueryTimeout = 5 * time.Second

// DefaultStaleRetention is how long expired entries stay readable as stale.
const DefaultStaleRetention = 7 * 24 * time.Hour

// DefaultMemoryEntries bounds the memory tier.
const DefaultMemoryEntries = 4096

type config struct {
	defaultTTL     time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	staleRetention time.Duration
	memoryEntries  int
	prefix         string
	clock          func() time.Time
	logger         logger.Logger
	metrics        *metrics.Collector
}

// Option configures the cache layers and engines.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:     DefaultTTL,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		staleRetention: DefaultStaleRetention,
		memoryEntries:  DefaultMemoryEntries,
		clock:          time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for storage engines.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets how often the purge loop runs. Zero disables it.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithStaleRetention sets how long expired entries are kept for stale reads.
func WithStaleRetention(d time.Duration) Option {
	return func(c *config) { c.staleRetention = d }
}

// WithMemoryEntries bounds the number of entries mirrored in memory.
func WithMemoryEntries(n int) Option {
	return func(c *config) { c.memoryEntries = n }
}

// WithPrefix namespaces keys in the Redis engine.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *config) { c.clock = clock }
}

func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) { c.metrics = m }
}
