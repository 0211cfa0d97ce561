package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries as JSON strings with SET EX
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) SetActiveStreams(ctx context.Context, nodeID int64, ids []int64, ttl time.Duration) error {
	if ids == nil {
		ids = []int64{}
	}
	data, err := json.Marshal(Entry{ActiveStreams: ids, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key(c.prefix, nodeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache state of node %d: %w", nodeID, err)
	}
	return nil
}

func (c *RedisCache) ActiveStreams(ctx context.Context, nodeID int64) ([]int64, bool, error) {
	data, err := c.client.Get(ctx, key(c.prefix, nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state of node %d: %w", nodeID, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("corrupt state entry for node %d: %w", nodeID, err)
	}
	return entry.ActiveStreams, true, nil
}

func (c *RedisCache) Clear(ctx context.Context, nodeID int64) error {
	return c.client.Del(ctx, key(c.prefix, nodeID)).Err()
}
