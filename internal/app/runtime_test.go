package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"kasirinaja/stockledger/internal/cache"
	"kasirinaja/stockledger/internal/config"
	"kasirinaja/stockledger/internal/domain"
)

func TestBuildInMemoryWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{RedisAddr: mr.Addr(), RecipeCacheTTL: time.Minute, MaxConflictRetries: 2}

	rt, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotNil(t, rt.Redis)
	_, isRedis := rt.Deduper().(*cache.RedisCache)
	require.True(t, isRedis)
	require.Empty(t, rt.Check(context.Background()))

	res, err := rt.Service.CheckAvailability(context.Background(), domain.AvailabilityRequest{UnitID: "PIZZA-MARG", Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, int64(15), res.MaxProducible)
	require.True(t, mr.Exists("stockledger:recipe:PIZZA-MARG"), "resolved recipe should be cached")

	mr.Close()
	require.Contains(t, rt.Check(context.Background()), "redis")
}

func TestBuildFallsBackToNoopCache(t *testing.T) {
	rt, err := Build(context.Background(), config.Config{RedisAddr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.Nil(t, rt.Redis)
	_, isNoop := rt.Deduper().(cache.NoopDeduper)
	require.True(t, isNoop)
}

func TestCloseRunsRegisteredClosersFirst(t *testing.T) {
	rt, err := Build(context.Background(), config.Config{}, nil)
	require.NoError(t, err)

	var order []string
	rt.closers = append(rt.closers, func() error { order = append(order, "store"); return nil })
	rt.AddCloser(func() error { order = append(order, "listener"); return nil })

	require.NoError(t, rt.Close())
	require.Equal(t, []string{"listener", "store"}, order)
}
