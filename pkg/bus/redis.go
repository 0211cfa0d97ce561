package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus with Redis PUBLISH / SUBSCRIBE
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing client. The caller keeps ownership of the
// client's lifetime unless Close is called.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish returns the receiver count reported by Redis
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe waits for the SUBSCRIBE confirmation before returning, so a
// message published after Subscribe returns is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

// Subscribers uses PUBSUB NUMSUB
func (b *RedisBus) Subscribers(ctx context.Context, channel string) (int64, error) {
	counts, err := b.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count subscribers of %s: %w", channel, err)
	}
	return counts[channel], nil
}

// Close closes the underlying client
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
