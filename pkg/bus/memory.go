package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. Delivery is best effort like Redis: a
// subscriber whose buffer is full misses the message.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*memorySubscription]bool
	bufferSize  int
	closed      bool
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]map[*memorySubscription]bool),
		bufferSize:  256, // Buffer per subscriber
	}
}

// Publish delivers payload to every current subscriber of channel and
// returns how many accepted it.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var delivered int64
	for sub := range b.subscribers[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
			delivered++
		default:
			// Subscriber buffer full, skip
		}
	}
	return delivered, nil
}

// Subscribe registers a new subscription on channel
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, b.bufferSize),
		done:    make(chan struct{}),
	}
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[*memorySubscription]bool)
	}
	b.subscribers[channel][sub] = true
	return sub, nil
}

// Subscribers returns the number of active subscriptions on channel
func (b *MemoryBus) Subscribers(ctx context.Context, channel string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.subscribers[channel])), nil
}

// Close drops every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]map[*memorySubscription]bool)
	b.closed = true
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
	}
	return nil
}

func (b *MemoryBus) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subscribers[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sub.channel)
		}
	}
}

type memorySubscription struct {
	bus       *MemoryBus
	channel   string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.bus.unsubscribe(s)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
