// Package config loads the catalog cache settings from a YAML file with
// environment overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/degrade"
	"github.com/tvdeck/catalogcache/prefetch"
	"github.com/tvdeck/catalogcache/resilience"
	"github.com/tvdeck/catalogcache/session"
	"github.com/tvdeck/catalogcache/upstream"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CATALOGCACHE_"

// Duration accepts day and week units ("7d", "1w2d") besides the units of
// time.ParseDuration.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(str2duration.String(time.Duration(d))), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := str2duration.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

const (
	EngineSQLite = "sqlite"
	EngineRedis  = "redis"
	EngineBolt   = "bolt"
)

type Redis struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type Cache struct {
	// Engine is the persistent engine, "sqlite", "redis" or "bolt".
	Engine         string   `yaml:"engine" env:"ENGINE"`
	// BoltPath is the bbolt file used by the bolt engine. It defaults to
	// cache.bolt next to the database and is required when the database is
	// in-memory.
	BoltPath       string   `yaml:"bolt_path" env:"BOLT_PATH"`
	DefaultTTL     Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	QueryTimeout   Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	ExpiryCheck    Duration `yaml:"expiry_check" env:"EXPIRY_CHECK"`
	StaleRetention Duration `yaml:"stale_retention" env:"STALE_RETENTION"`
	MemoryEntries  int      `yaml:"memory_entries" env:"MEMORY_ENTRIES"`
	Redis          Redis    `yaml:"redis" envPrefix:"REDIS_"`
}

type Upstream struct {
	RequestTimeout Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type Session struct {
	MaxAge          Duration `yaml:"max_age" env:"MAX_AGE"`
	MaxAuthFailures uint32   `yaml:"max_auth_failures" env:"MAX_AUTH_FAILURES"`
}

type Retry struct {
	MaxRetries        int      `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay      Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay          Duration `yaml:"max_delay" env:"MAX_DELAY"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	UseJitter         bool     `yaml:"use_jitter" env:"USE_JITTER"`
}

// Config converts to the retry profile used for catalog reads.
func (r Retry) Config() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:        r.MaxRetries,
		InitialDelay:      r.InitialDelay.Std(),
		MaxDelay:          r.MaxDelay.Std(),
		BackoffMultiplier: r.BackoffMultiplier,
		UseJitter:         r.UseJitter,
	}
}

type Breaker struct {
	MaxFailures int      `yaml:"max_failures" env:"MAX_FAILURES"`
	OpenTimeout Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
}

// Config converts to the circuit breaker guarding each profile's upstream.
func (b Breaker) Config() resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	cfg.MaxFailures = b.MaxFailures
	cfg.OpenTimeout = b.OpenTimeout.Std()
	return cfg
}

type Prefetch struct {
	Enabled     bool     `yaml:"enabled" env:"ENABLED"`
	Concurrency int      `yaml:"concurrency" env:"CONCURRENCY"`
	Interval    Duration `yaml:"interval" env:"INTERVAL"`
}

type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	// DatabasePath is the SQLite file holding profiles and, with the sqlite
	// engine, the persistent cache.
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH"`
	// KeyFile holds the key sealing stored passwords. It is created on first use.
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
	// MetricsAddr is the listen address of the /metrics endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	Strategy degrade.Strategy `yaml:"strategy" env:"STRATEGY"`
	Cache    Cache            `yaml:"cache" envPrefix:"CACHE_"`
	Upstream Upstream         `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Session  Session          `yaml:"session" envPrefix:"SESSION_"`
	Retry    Retry            `yaml:"retry" envPrefix:"RETRY_"`
	Breaker  Breaker          `yaml:"breaker" envPrefix:"BREAKER_"`
	Prefetch Prefetch         `yaml:"prefetch" envPrefix:"PREFETCH_"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	retry := resilience.Default()
	breaker := resilience.DefaultBreakerConfig()
	return Config{
		LogLevel:     "info",
		DatabasePath: "catalogcache.db",
		KeyFile:      "catalogcache.key",
		Strategy:     degrade.UseStaleCache,
		Cache: Cache{
			Engine:         EngineSQLite,
			DefaultTTL:     Duration(cache.DefaultTTL),
			QueryTimeout:   Duration(cache.DefaultQueryTimeout),
			ExpiryCheck:    Duration(time.Minute),
			StaleRetention: Duration(cache.DefaultStaleRetention),
			MemoryEntries:  cache.DefaultMemoryEntries,
			Redis:          Redis{Addr: "localhost:6379", Prefix: "catalogcache"},
		},
		Upstream: Upstream{RequestTimeout: Duration(upstream.DefaultRequestTimeout)},
		Session: Session{
			MaxAge:          Duration(session.DefaultMaxSessionAge),
			MaxAuthFailures: session.DefaultMaxAuthFailures,
		},
		Retry: Retry{
			MaxRetries:        retry.MaxRetries,
			InitialDelay:      Duration(retry.InitialDelay),
			MaxDelay:          Duration(retry.MaxDelay),
			BackoffMultiplier: retry.BackoffMultiplier,
			UseJitter:         retry.UseJitter,
		},
		Breaker: Breaker{
			MaxFailures: breaker.MaxFailures,
			OpenTimeout: Duration(breaker.OpenTimeout),
		},
		Prefetch: Prefetch{
			Enabled:     true,
			Concurrency: prefetch.DefaultConcurrency,
			Interval:    Duration(prefetch.DefaultInterval),
		},
	}
}

// Load reads the YAML file at path over the defaults, applies CATALOGCACHE_
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Engine {
	case EngineSQLite:
	case EngineBolt:
		if c.Cache.BoltPath == "" && strings.TrimSpace(c.DatabasePath) == database.MemoryPath {
			return errors.New("cache.bolt_path is required when database_path is in-memory")
		}
	case EngineRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required with the redis engine")
		}
	default:
		return errors.Newf("cache.engine must be %q, %q or %q, got %q", EngineSQLite, EngineRedis, EngineBolt, c.Cache.Engine)
	}
	switch {
	case c.DatabasePath == "":
		return errors.New("database_path is required")
	case c.Cache.DefaultTTL <= 0:
		return errors.New("cache.default_ttl must be positive")
	case c.Cache.QueryTimeout <= 0:
		return errors.New("cache.query_timeout must be positive")
	case c.Cache.ExpiryCheck < 0:
		return errors.New("cache.expiry_check must not be negative")
	case c.Cache.StaleRetention < 0:
		return errors.New("cache.stale_retention must not be negative")
	case c.Upstream.RequestTimeout <= 0:
		return errors.New("upstream.request_timeout must be positive")
	case c.Session.MaxAge <= 0:
		return errors.New("session.max_age must be positive")
	case c.Retry.MaxRetries < 0:
		return errors.New("retry.max_retries must not be negative")
	case c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay:
		return errors.New("retry delays must be positive with max_delay >= initial_delay")
	case c.Retry.BackoffMultiplier < 1:
		return errors.New("retry.backoff_multiplier must be at least 1")
	case c.Breaker.MaxFailures <= 0 || c.Breaker.OpenTimeout <= 0:
		return errors.New("breaker.max_failures and breaker.open_timeout must be positive")
	case c.Prefetch.Concurrency <= 0:
		return errors.New("prefetch.concurrency must be positive")
	case c.Prefetch.Interval <= 0:
		return errors.New("prefetch.interval must be positive")
	}
	return nil
}
