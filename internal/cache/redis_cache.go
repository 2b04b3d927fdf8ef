package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, variantID string) (int, bool, error) {
	val, err := c.client.Get(ctx, StockKey(variantID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	stock, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, err
	}
	return stock, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, variantID string, stock int, ttl time.Duration) error {
	return c.client.Set(ctx, StockKey(variantID), strconv.Itoa(stock), ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, variantIDs ...string) error {
	if len(variantIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(variantIDs))
	for _, id := range variantIDs {
		keys = append(keys, StockKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
