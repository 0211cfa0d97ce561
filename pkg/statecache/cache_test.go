package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bluele/gcache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisCache(client, "")
	ctx := context.Background()

	_, found, err := c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetActiveStreams(ctx, 7, []int64{42, 43}, time.Minute))
	ids, found, err := c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int64{42, 43}, ids)

	raw, err := mr.Get("agent_state:7")
	require.NoError(t, err)
	assert.Contains(t, raw, `"active_streams":[42,43]`)

	// full replace, not merge
	require.NoError(t, c.SetActiveStreams(ctx, 7, nil, time.Minute))
	ids, found, err = c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, ids)

	mr.FastForward(2 * time.Minute)
	_, found, err = c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetActiveStreams(ctx, 7, []int64{1}, time.Minute))
	require.NoError(t, c.Clear(ctx, 7))
	_, found, _ = c.ActiveStreams(ctx, 7)
	assert.False(t, found)
}

func TestMemoryCache(t *testing.T) {
	clock := gcache.NewFakeClock()
	c := NewMemoryCache(16, clock)
	ctx := context.Background()

	require.NoError(t, c.SetActiveStreams(ctx, 7, []int64{42}, time.Minute))
	ids, found, err := c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int64{42}, ids)

	clock.Advance(61 * time.Second)
	_, found, err = c.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetActiveStreams(ctx, 7, []int64{1, 2}, time.Minute))
	require.NoError(t, c.Clear(ctx, 7))
	_, found, _ = c.ActiveStreams(ctx, 7)
	assert.False(t, found)
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]int64{1, 3}, 3))
	assert.False(t, Contains(nil, 3))
}
