package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventStreamTransition, Message: "stream 42 STARTING -> STREAMING"})

	select {
	case e := <-sub:
		assert.Equal(t, EventStreamTransition, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishWithoutStartDoesNotBlock(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 500; i++ {
		b.Publish(&Event{Type: EventHealthAutoFix})
	}

	recent := b.Recent()
	require.Len(t, recent, 100)
	assert.Len(t, b.RecentOfType(EventHealthAutoFix), 100)
	assert.Empty(t, b.RecentOfType(EventStreamConflict))
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}
