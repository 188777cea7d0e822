package cache

import (
	"context"
	"time"

	"kasirinaja/stockledger/internal/domain"
)

// RecipeCache keeps resolved recipe lines per sellable unit.
type RecipeCache interface {
	Get(ctx context.Context, unitID string) ([]domain.RecipeLine, bool, error)
	Set(ctx context.Context, unitID string, lines []domain.RecipeLine, ttl time.Duration) error
	Invalidate(ctx context.Context, unitID string) error
}

// Deduper claims event keys so a redelivered message is applied once.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type NoopRecipeCache struct{}

func (NoopRecipeCache) Get(_ context.Context, _ string) ([]domain.RecipeLine, bool, error) {
	return nil, false, nil
}

func (NoopRecipeCache) Set(_ context.Context, _ string, _ []domain.RecipeLine, _ time.Duration) error {
	return nil
}

func (NoopRecipeCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

// NoopDeduper claims every key. Without Redis only order confirmations, purchase receipts
// and order cancellations stay idempotent, through the ledger; a redelivered line removal
// is applied again.
type NoopDeduper struct{}

func (NoopDeduper) Claim(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (NoopDeduper) Release(_ context.Context, _ string) error {
	return nil
}
