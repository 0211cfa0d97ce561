package statecache

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"
)

// MemoryCache keeps entries in a gcache LRU with per-entry expiry
type MemoryCache struct {
	cache gcache.Cache
}

// NewMemoryCache creates an in-process cache. clock may be nil; tests pass
// gcache.NewFakeClock() to expire entries without sleeping.
func NewMemoryCache(size int, clock gcache.Clock) *MemoryCache {
	b := gcache.New(size).LRU()
	if clock != nil {
		b = b.Clock(clock)
	}
	return &MemoryCache{cache: b.Build()}
}

func (c *MemoryCache) SetActiveStreams(ctx context.Context, nodeID int64, ids []int64, ttl time.Duration) error {
	entry := Entry{ActiveStreams: append([]int64{}, ids...), UpdatedAt: time.Now().Unix()}
	return c.cache.SetWithExpire(nodeID, entry, ttl)
}

func (c *MemoryCache) ActiveStreams(ctx context.Context, nodeID int64) ([]int64, bool, error) {
	v, err := c.cache.Get(nodeID)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := v.(Entry)
	return append([]int64{}, entry.ActiveStreams...), true, nil
}

func (c *MemoryCache) Clear(ctx context.Context, nodeID int64) error {
	c.cache.Remove(nodeID)
	return nil
}
