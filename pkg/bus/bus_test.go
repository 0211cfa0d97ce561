package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buses(t *testing.T) map[string]Bus {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBus(client)
	t.Cleanup(func() { rb.Close() })

	mb := NewMemoryBus()
	t.Cleanup(func() { mb.Close() })

	return map[string]Bus{"redis": rb, "memory": mb}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	for name, b := range buses(t) {
		t.Run(name, func(t *testing.T) {
			n, err := b.Publish(context.Background(), "vps-commands:9", []byte(`{}`))
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestPublishSubscribe(t *testing.T) {
	for name, b := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sub, err := b.Subscribe(ctx, "agent-reports")
			require.NoError(t, err)
			defer sub.Close()

			count, err := b.Subscribers(ctx, "agent-reports")
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			n, err := b.Publish(ctx, "agent-reports", []byte(`{"type":"HEARTBEAT"}`))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			msg, err := sub.Receive(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"HEARTBEAT"}`, string(msg))
		})
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	for name, b := range buses(t) {
		t.Run(name, func(t *testing.T) {
			sub, err := b.Subscribe(context.Background(), "quiet")
			require.NoError(t, err)
			defer sub.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = sub.Receive(ctx)
			assert.Error(t, err)
		})
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "agent-reports")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	count, _ := b.Subscribers(context.Background(), "agent-reports")
	assert.Equal(t, int64(0), count)

	_, err = sub.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, b.Close())
	_, err = b.Subscribe(context.Background(), "agent-reports")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandsChannel(t *testing.T) {
	assert.Equal(t, "vps-commands:7", DefaultChannels.Commands(7))
	assert.Equal(t, "commands:7", Channels{CommandPrefix: "commands:"}.Commands(7))
}
