package recipe

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirinaja/stockledger/internal/cache"
	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
	"kasirinaja/stockledger/internal/store/memory"
)

func newCatalog(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	for _, id := range []string{"flour", "cheese", "sauce", "dough"} {
		require.NoError(t, s.SaveComponent(ctx, domain.Component{ID: id, Name: id, Active: true, UsableDineIn: true, UsableTakeaway: true}))
	}
	require.NoError(t, s.SaveSellableUnit(ctx, domain.SellableUnit{ID: "PIZZA", Name: "Pizza", RecipeModel: domain.RecipeModelItems, Active: true}))
	require.NoError(t, s.SaveSellableUnit(ctx, domain.SellableUnit{ID: "BASE", Name: "Base", RecipeModel: domain.RecipeModelCompositions, Active: true}))
	require.NoError(t, s.SaveSellableUnit(ctx, domain.SellableUnit{ID: "WATER", Name: "Water", Active: true}))

	require.NoError(t, s.ReplaceProductItems(ctx, "PIZZA", []domain.BOMLine{
		{ComponentID: "sauce", QuantityPerUnit: decimal.RequireFromString("0.05"), Position: 2},
		{ComponentID: "cheese", QuantityPerUnit: decimal.RequireFromString("0.1"), Essential: true, Position: 1},
		{ComponentID: "flour", QuantityPerUnit: decimal.RequireFromString("0.2"), Essential: true, Position: 1},
	}))
	require.NoError(t, s.ReplaceCompositions(ctx, "BASE", []domain.BOMLine{
		{ComponentID: "dough", QuantityPerUnit: decimal.NewFromInt(1), Essential: true},
	}))
	return s
}

func componentIDs(lines []domain.RecipeLine) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ComponentID)
	}
	return ids
}

func TestItemResolverOrdersByPositionThenComponent(t *testing.T) {
	s := newCatalog(t)

	lines, err := NewItemResolver(s, nil).Resolve(context.Background(), "PIZZA")
	require.NoError(t, err)
	require.Equal(t, []string{"cheese", "flour", "sauce"}, componentIDs(lines))
	require.True(t, lines[0].Essential)
	require.False(t, lines[2].Essential)
}

func TestResolverFallsBackToDirectLine(t *testing.T) {
	s := newCatalog(t)

	lines, err := NewRouter(s, nil).Resolve(context.Background(), "WATER")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "WATER", lines[0].ComponentID)
	require.True(t, lines[0].Direct)
	require.True(t, lines[0].Essential)
	require.True(t, lines[0].QuantityPerUnit.Equal(decimal.NewFromInt(1)))
}

func TestDirectLineUsesStockComponent(t *testing.T) {
	line := DirectLine(domain.SellableUnit{ID: "SODA", StockComponentID: "soda-can"})
	require.Equal(t, "soda-can", line.ComponentID)
}

func TestRouterDispatchesOnRecipeModel(t *testing.T) {
	s := newCatalog(t)
	router := NewRouter(s, nil)

	lines, err := router.Resolve(context.Background(), "BASE")
	require.NoError(t, err)
	require.Equal(t, []string{"dough"}, componentIDs(lines))

	lines, err = router.Resolve(context.Background(), "PIZZA")
	require.NoError(t, err)
	require.Len(t, lines, 3)
}

func TestResolverRejectsUnknownUnit(t *testing.T) {
	s := newCatalog(t)

	_, err := NewRouter(s, nil).Resolve(context.Background(), "GHOST")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestResolverSkipsNonPositiveRates(t *testing.T) {
	s := newCatalog(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceProductItems(ctx, "PIZZA", []domain.BOMLine{
		{ComponentID: "flour", QuantityPerUnit: decimal.Zero, Essential: true},
		{ComponentID: "cheese", QuantityPerUnit: decimal.RequireFromString("0.1"), Essential: true},
	}))

	lines, err := NewItemResolver(s, nil).Resolve(ctx, "PIZZA")
	require.NoError(t, err)
	require.Equal(t, []string{"cheese"}, componentIDs(lines))
}

type countingResolver struct {
	next  Resolver
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error) {
	c.calls++
	return c.next.Resolve(ctx, unitID)
}

func TestCachedResolverServesFromRedisUntilInvalidated(t *testing.T) {
	s := newCatalog(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := &countingResolver{next: NewRouter(s, nil)}
	cached := NewCachedResolver(inner, cache.NewRedisCacheFromClient(client), time.Minute, nil)

	first, err := cached.Resolve(ctx, "PIZZA")
	require.NoError(t, err)
	second, err := cached.Resolve(ctx, "PIZZA")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, componentIDs(first), componentIDs(second))

	require.NoError(t, cached.Invalidate(ctx, "PIZZA"))
	_, err = cached.Resolve(ctx, "PIZZA")
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestCachedResolverFallsThroughWhenRedisIsDown(t *testing.T) {
	s := newCatalog(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	inner := &countingResolver{next: NewRouter(s, nil)}
	cached := NewCachedResolver(inner, cache.NewRedisCacheFromClient(client), time.Minute, nil)

	lines, err := cached.Resolve(ctx, "PIZZA")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, 1, inner.calls)
}

type unitCountingCatalog struct {
	store.Catalog
	unitReads int
}

func (c *unitCountingCatalog) GetSellableUnit(ctx context.Context, id string) (*domain.SellableUnit, error) {
	c.unitReads++
	return c.Catalog.GetSellableUnit(ctx, id)
}

func TestRouterReadsUnitOnce(t *testing.T) {
	catalog := &unitCountingCatalog{Catalog: newCatalog(t)}
	router := NewRouter(catalog, nil)

	lines, err := router.Resolve(context.Background(), "PIZZA")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, 1, catalog.unitReads)

	lines, err = router.Resolve(context.Background(), "BASE")
	require.NoError(t, err)
	require.Equal(t, []string{"dough"}, componentIDs(lines))
	require.Equal(t, 2, catalog.unitReads)
}
