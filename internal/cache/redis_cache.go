package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/stockledger/internal/domain"
)

const (
	recipeKeyPrefix = "stockledger:recipe:"
	eventKeyPrefix  = "stockledger:event:"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, unitID string) ([]domain.RecipeLine, bool, error) {
	val, err := c.client.Get(ctx, recipeKeyPrefix+unitID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var lines []domain.RecipeLine
	if err := json.Unmarshal(val, &lines); err != nil {
		return nil, false, err
	}
	return lines, true, nil
}

func (c *RedisCache) Set(ctx context.Context, unitID string, lines []domain.RecipeLine, ttl time.Duration) error {
	if lines == nil {
		lines = []domain.RecipeLine{}
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recipeKeyPrefix+unitID, payload, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, unitID string) error {
	return c.client.Del(ctx, recipeKeyPrefix+unitID).Err()
}

func (c *RedisCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, eventKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, eventKeyPrefix+key).Err()
}
