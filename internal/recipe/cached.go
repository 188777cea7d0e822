package recipe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/cache"
	"kasirinaja/stockledger/internal/domain"
)

// CachedResolver serves resolved recipes from a cache. Cache failures fall through to the
// wrapped resolver.
type CachedResolver struct {
	next   Resolver
	cache  cache.RecipeCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedResolver(next Resolver, c cache.RecipeCache, ttl time.Duration, logger *zap.Logger) *CachedResolver {
	if c == nil {
		c = cache.NoopRecipeCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedResolver{next: next, cache: c, ttl: ttl, logger: logger}
}

func (r *CachedResolver) Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error) {
	lines, ok, err := r.cache.Get(ctx, unitID)
	if err != nil {
		r.logger.Warn("recipe cache read failed", zap.String("unit_id", unitID), zap.Error(err))
	} else if ok {
		return lines, nil
	}

	lines, err = r.next.Resolve(ctx, unitID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, unitID, lines, r.ttl); err != nil {
		r.logger.Warn("recipe cache write failed", zap.String("unit_id", unitID), zap.Error(err))
	}
	return lines, nil
}

func (r *CachedResolver) Invalidate(ctx context.Context, unitID string) error {
	return r.cache.Invalidate(ctx, unitID)
}
