package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/catalog/store"
	"github.com/warp/productview/config"
	"github.com/warp/productview/mirror"
	"github.com/warp/productview/resolver"
	"github.com/warp/productview/resultcache"
	"github.com/warp/productview/store/redis"
	"github.com/warp/productview/store/sqlite"
)

// app holds the wired components for one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	durable  *sqlite.Store
	mirror   catalog.MirrorStore
	redis    *goredis.Client
	local    *resultcache.Local
	resolver *resolver.Resolver
	sync     *mirror.Synchronizer
	checker  *mirror.Checker
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.Log, logOut)}
	slog.SetDefault(a.logger)

	durable, err := sqlite.New(cfg.Durable.Path)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	a.durable = durable

	clock := catalog.SystemClock{}

	var backend catalog.ResultCache
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.mirror = redis.NewMirror(a.redis, redis.MirrorOptions{KeyPrefix: cfg.Redis.KeyPrefix, Logger: a.logger})
	} else {
		a.logger.Warn("redis.addr not set, using in-memory mirror")
		a.mirror = store.NewMirror()
	}
	if cfg.UseRedisCache() {
		backend = redis.NewCache(a.redis, cfg.Redis.KeyPrefix)
	} else {
		a.local = resultcache.NewLocal()
		backend = a.local
	}

	cache, err := resultcache.New(backend, clock, cfg.Resolver.CacheTTL, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	strategy, err := mirror.ParseStrategy(cfg.Reconcile.Strategy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.resolver = resolver.New(durable, a.mirror, cache, clock, resolver.Config{
		QualifyingStatuses: cfg.StatusSet(),
		CacheKey:           cfg.Resolver.CacheKey,
		HealthTimeout:      cfg.Resolver.HealthTimeout,
	}, a.logger)
	a.sync = mirror.NewSynchronizer(durable, a.mirror, mirror.Options{
		Strategy: strategy,
		Recorder: durable,
		Clock:    clock,
		Logger:   a.logger,
	})
	a.checker = mirror.NewChecker(durable, a.mirror, mirror.CheckerOptions{
		SampleSize: cfg.Verify.SampleSize,
		Seed:       cfg.Verify.Seed,
		Clock:      clock,
		Logger:     a.logger,
	})

	// A process-local mirror starts empty; fill it before anyone reads.
	if a.redis == nil {
		if _, err := a.sync.Reconcile(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("warm in-memory mirror: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.local != nil {
		a.local.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", slog.Any("error", err))
		}
	}
	if a.durable != nil {
		if err := a.durable.Close(); err != nil {
			a.logger.Warn("failed to close durable store", slog.Any("error", err))
		}
	}
}

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
