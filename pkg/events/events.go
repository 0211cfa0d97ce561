package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventStreamTransition EventType = "stream.transition"
	EventStreamConflict   EventType = "stream.conflict"
	EventStreamMissing    EventType = "stream.missing"
	EventStreamOrphaned   EventType = "stream.orphaned"
	EventCommandDropped   EventType = "command.undelivered"
	EventCounterCorrected EventType = "node.counter_corrected"
	EventNodeStatus       EventType = "node.status"
	EventHealthAutoFix    EventType = "health.autofix"
)

// Event is an audit record of something the control plane observed or did
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher is the write side of the broker, accepted by components that
// only emit events.
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	historyMu sync.Mutex
	history   []*Event
	historyN  int
}

// NewBroker creates a new event broker that also keeps the last 100 events
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
		historyN:    100,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish records the event and queues it for broadcast. It never blocks:
// when the queue is full the event is kept in history only.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.historyMu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historyN {
		b.history = b.history[len(b.history)-b.historyN:]
	}
	b.historyMu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// Recent returns up to the last 100 published events, oldest first
func (b *Broker) Recent() []*Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return append([]*Event(nil), b.history...)
}

// RecentOfType filters Recent by type
func (b *Broker) RecentOfType(t EventType) []*Event {
	var out []*Event
	for _, e := range b.Recent() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}
