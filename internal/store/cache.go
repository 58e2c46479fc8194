package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache mirrors item state into redis with a TTL so status lookups
// survive even while postgres is degraded. It is advisory: the in-memory
// dispatch service state always wins.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func cacheKey(id int64) string {
	return fmt.Sprintf("smsgw:item:%d", id)
}

func (c *StatusCache) Set(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item for cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(item.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache item: %w", err)
	}
	return nil
}

func (c *StatusCache) Get(ctx context.Context, id int64) (Item, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("get cached item: %w", err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, false, fmt.Errorf("unmarshal cached item: %w", err)
	}
	return item, true, nil
}

func (c *StatusCache) Delete(ctx context.Context, id int64) error {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("delete cached item: %w", err)
	}
	return nil
}

func (c *StatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
