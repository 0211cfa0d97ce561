package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Sender is what the lifecycle, reconciler and health monitor need from the
// dispatcher.
type Sender interface {
	Send(ctx context.Context, nodeID int64, cmd types.Command) (int64, error)
}

// Dispatcher publishes commands on a node's command channel
type Dispatcher struct {
	bus      bus.Bus
	cache    statecache.Cache
	channels bus.Channels
	tracker  *Tracker
	events   events.Publisher
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. events may be nil.
func NewDispatcher(b bus.Bus, cache statecache.Cache, channels bus.Channels, tracker *Tracker, pub events.Publisher) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	return &Dispatcher{
		bus:      b,
		cache:    cache,
		channels: channels,
		tracker:  tracker,
		events:   pub,
		logger:   log.WithComponent("dispatcher"),
	}
}

// Tracker returns the command tracker
func (d *Dispatcher) Tracker() *Tracker {
	return d.tracker
}

// Send stamps cmd with an id and timestamp, publishes it and returns the
// number of subscribers that received it. Zero is not an error: the command
// was not delivered and nothing retries it.
func (d *Dispatcher) Send(ctx context.Context, nodeID int64, cmd types.Command) (int64, error) {
	meta := cmd.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}

	// A fresh heartbeat must be the only source for the next reconcile
	if _, ok := cmd.(*types.SyncState); ok {
		if err := d.cache.Clear(ctx, nodeID); err != nil {
			return 0, fmt.Errorf("failed to clear cached state of node %d: %w", nodeID, err)
		}
	}

	payload, err := types.EncodeCommand(cmd)
	if err != nil {
		return 0, err
	}

	delivered, err := d.bus.Publish(ctx, d.channels.Commands(nodeID), payload)
	if err != nil {
		return 0, fmt.Errorf("failed to send %s to node %d: %w", cmd.Name(), nodeID, err)
	}

	metrics.CommandsSent.WithLabelValues(string(cmd.Name()), strconv.FormatBool(delivered > 0)).Inc()
	d.tracker.Track(nodeID, cmd, delivered)

	logger := d.logger.With().
		Int64("node_id", nodeID).
		Str("command", string(cmd.Name())).
		Str("command_id", meta.ID).
		Int64("stream_id", meta.StreamID).
		Logger()

	if delivered == 0 {
		logger.Warn().Str("reason", meta.Reason).Msg("Command not delivered: no agent subscribed")
		d.events.Publish(&events.Event{
			Type:    events.EventCommandDropped,
			Message: fmt.Sprintf("%s for node %d had no subscribers", cmd.Name(), nodeID),
			Metadata: map[string]string{
				"node_id":    strconv.FormatInt(nodeID, 10),
				"stream_id":  strconv.FormatInt(meta.StreamID, 10),
				"command":    string(cmd.Name()),
				"command_id": meta.ID,
			},
		})
		return 0, nil
	}

	logger.Debug().Int64("receivers", delivered).Str("reason", meta.Reason).Msg("Command sent")
	return delivered, nil
}
