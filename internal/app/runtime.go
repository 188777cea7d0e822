// Package app wires the ledger engine from configuration for the server and worker
// processes.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/cache"
	"kasirinaja/stockledger/internal/config"
	"kasirinaja/stockledger/internal/metrics"
	"kasirinaja/stockledger/internal/recipe"
	"kasirinaja/stockledger/internal/service"
	"kasirinaja/stockledger/internal/store"
	"kasirinaja/stockledger/internal/store/memory"
	pgstore "kasirinaja/stockledger/internal/store/postgres"
)

type Runtime struct {
	Repo    store.Repository
	Service *service.Service
	Metrics *metrics.Metrics
	// Redis is nil when REDIS_ADDR is unset or unreachable.
	Redis *cache.RedisCache

	checks  map[string]func(ctx context.Context) error
	closers []func() error
	logger  *zap.Logger
}

// Build connects the store and cache named by cfg. Postgres is mandatory once
// DATABASE_URL is set; Redis degrades to the noop cache.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		Metrics: metrics.New(),
		checks:  make(map[string]func(ctx context.Context) error),
		logger:  logger,
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		rt.Repo = pg
		rt.closers = append(rt.closers, pg.Close)
		rt.checks["postgres"] = pg.Ping
		logger.Info("repository: postgres")
	} else {
		rt.Repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	recipeCache := cache.RecipeCache(cache.NoopRecipeCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			rt.Redis = redisCache
			recipeCache = redisCache
			rt.closers = append(rt.closers, redisCache.Close)
			rt.checks["redis"] = redisCache.Ping
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	resolver := recipe.NewCachedResolver(recipe.NewRouter(rt.Repo, logger), recipeCache, cfg.RecipeCacheTTL, logger)
	rt.Service = service.New(rt.Repo, resolver, service.Options{
		AllowNegativeStock: cfg.AllowNegativeStock,
		MaxConflictRetries: cfg.MaxConflictRetries,
		Logger:             logger,
		Metrics:            rt.Metrics,
	})
	if cfg.AllowNegativeStock {
		logger.Warn("negative stock is allowed; faults are logged and committed")
	}
	return rt, nil
}

// Deduper returns the event deduper backed by Redis when available.
func (rt *Runtime) Deduper() cache.Deduper {
	if rt.Redis != nil {
		return rt.Redis
	}
	return cache.NoopDeduper{}
}

// Check runs every dependency health check and reports the failing ones by name.
func (rt *Runtime) Check(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, check := range rt.checks {
		if err := check(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// AddCloser registers fn to run on Close, before the store and cache are closed.
func (rt *Runtime) AddCloser(fn func() error) {
	rt.closers = append([]func() error{fn}, rt.closers...)
}

func (rt *Runtime) Close() error {
	var errs []error
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
