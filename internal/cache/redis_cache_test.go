package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirinaja/stockledger/internal/domain"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func TestRecipeCacheRoundTripAndInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "PIZZA")
	require.NoError(t, err)
	require.False(t, ok)

	lines := []domain.RecipeLine{
		{ComponentID: "flour", QuantityPerUnit: decimal.RequireFromString("0.2"), Essential: true},
	}
	require.NoError(t, c.Set(ctx, "PIZZA", lines, time.Minute))

	got, ok, err := c.Get(ctx, "PIZZA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.True(t, got[0].QuantityPerUnit.Equal(decimal.RequireFromString("0.2")))

	require.NoError(t, c.Invalidate(ctx, "PIZZA"))
	_, ok, err = c.Get(ctx, "PIZZA")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecipeCacheStoresEmptyRecipe(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "WATER", nil, time.Minute))
	got, ok, err := c.Get(ctx, "WATER")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)
}

func TestRecipeCacheExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "PIZZA", []domain.RecipeLine{{ComponentID: "flour"}}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "PIZZA")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimIsExclusiveUntilReleased(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	first, err := c.Claim(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	require.True(t, first)

	second, err := c.Claim(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	require.False(t, second)

	require.NoError(t, c.Release(ctx, "evt-1"))
	third, err := c.Claim(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	require.True(t, third)
}
