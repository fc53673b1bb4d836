package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/catalog"
	"github.com/tvdeck/catalogcache/config"
	"github.com/tvdeck/catalogcache/crypto"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/env"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
	"github.com/tvdeck/catalogcache/prefetch"
	"github.com/tvdeck/catalogcache/profile"
	"github.com/tvdeck/catalogcache/session"
	"github.com/tvdeck/catalogcache/upstream"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	db        *database.DB
	redis     *redis.Client
	metrics   *metrics.Collector
	content   *cache.ContentCache
	profiles  *profile.Repository
	sessions  *session.Manager
	scheduler *prefetch.Scheduler
	catalog   *catalog.Service
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(env.FlagOrEnv(cmd, "config", env.Prefix+"CONFIG", ""))
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") {
		_ = cmd.Flags().Set("log-level", cfg.LogLevel)
	}
	a := &app{cfg: cfg, log: env.NewLogger(cmd), metrics: metrics.New(metrics.DefaultNamespace)}

	a.db, err = database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	opts := []cache.Option{
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		cache.WithQueryTimeout(cfg.Cache.QueryTimeout.Std()),
		cache.WithExpiryCheck(cfg.Cache.ExpiryCheck.Std()),
		cache.WithStaleRetention(cfg.Cache.StaleRetention.Std()),
		cache.WithMemoryEntries(cfg.Cache.MemoryEntries),
		cache.WithLogger(a.log),
		cache.WithMetrics(a.metrics),
	}
	var store cache.Store
	switch cfg.Cache.Engine {
	case config.EngineRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Cache.Redis.Addr)
		}
		store = cache.NewRedisStore(a.redis, append(opts, cache.WithPrefix(cfg.Cache.Redis.Prefix))...)
	case config.EngineBolt:
		path := cfg.Cache.BoltPath
		if path == "" {
			path = filepath.Join(filepath.Dir(cfg.DatabasePath), "cache.bolt")
		}
		if store, err = cache.NewBoltStore(path, opts...); err != nil {
			a.Close()
			return nil, err
		}
	default:
		store = cache.NewSQLiteStore(a.db, opts...)
	}
	a.content = cache.New(ctx, store, opts...)

	key, err := crypto.LoadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.profiles = profile.New(a.db, sealer)

	factory := upstream.NewFactory(
		upstream.WithRequestTimeout(cfg.Upstream.RequestTimeout.Std()),
		upstream.WithLogger(a.log),
	)
	a.sessions = session.New(a.log, factory,
		session.WithCache(a.content),
		session.WithMaxSessionAge(cfg.Session.MaxAge.Std()),
		session.WithMaxAuthFailures(cfg.Session.MaxAuthFailures),
		session.WithMetrics(a.metrics),
	)
	a.scheduler = prefetch.NewScheduler(
		prefetch.WithCheckpointStore(a.content),
		prefetch.WithMetrics(a.metrics),
	)
	a.catalog = catalog.New(a.log, a.profiles, a.content, a.sessions,
		catalog.WithStrategy(cfg.Strategy),
		catalog.WithRetry(cfg.Retry.Config()),
		catalog.WithBreaker(cfg.Breaker.Config()),
		catalog.WithScheduler(a.scheduler),
		catalog.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) worker() *prefetch.Worker {
	return prefetch.NewWorker(a.log, a.scheduler, a.catalog,
		prefetch.WithConcurrency(a.cfg.Prefetch.Concurrency),
		prefetch.WithInterval(a.cfg.Prefetch.Interval.Std()),
		prefetch.WithWorkerMetrics(a.metrics),
	)
}

func (a *app) profileIDs(ctx context.Context) ([]string, error) {
	profiles, err := a.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (a *app) Close() {
	if a.content != nil {
		if err := a.content.Close(); err != nil {
			a.log.Warn("failed to close cache: %s", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
