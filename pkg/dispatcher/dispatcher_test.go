package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type fixture struct {
	bus     *bus.MemoryBus
	cache   *statecache.MemoryCache
	clock   gcache.FakeClock
	broker  *events.Broker
	tracker *Tracker
	d       *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		bus:    bus.NewMemoryBus(),
		cache:  statecache.NewMemoryCache(16, nil),
		clock:  gcache.NewFakeClock(),
		broker: events.NewBroker(),
	}
	f.tracker = NewTracker(30*time.Second, f.clock)
	f.d = NewDispatcher(f.bus, f.cache, bus.DefaultChannels, f.tracker, f.broker)
	return f
}

func TestSendWithoutSubscribers(t *testing.T) {
	f := newFixture()

	n, err := f.d.Send(context.Background(), 7, &types.StopStream{CommandMeta: types.CommandMeta{StreamID: 42}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Len(t, f.broker.RecentOfType(events.EventCommandDropped), 1)

	// undelivered commands never count as pending
	assert.False(t, f.tracker.Pending(7, 42, types.CommandStopStream))
}

func TestSendDelivers(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := f.bus.Subscribe(ctx, "vps-commands:7")
	require.NoError(t, err)
	defer sub.Close()

	cmd := &types.StartStream{
		CommandMeta: types.CommandMeta{StreamID: 42, Reason: "manual"},
		Stream:      types.StreamSpec{Title: "show", Sources: []string{"a.mp4"}, RTMPURL: "rtmp://x/app"},
	}
	n, err := f.d.Send(ctx, 7, cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotEmpty(t, cmd.ID)

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	decoded, err := types.DecodeCommand(msg)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStartStream, decoded.Name())
	assert.Equal(t, cmd.ID, decoded.Meta().ID)

	assert.True(t, f.tracker.Pending(7, 42, types.CommandStartStream))
	assert.False(t, f.tracker.Pending(8, 42, types.CommandStartStream))
}

func TestSyncStateClearsCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{1, 2}, time.Minute))

	_, err := f.d.Send(ctx, 7, &types.SyncState{})
	require.NoError(t, err)

	_, found, err := f.cache.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTrackerAckAndStale(t *testing.T) {
	f := newFixture()

	stop := &types.StopStream{CommandMeta: types.CommandMeta{ID: "c1", StreamID: 42}}
	f.tracker.Track(7, stop, 1)
	kill := &types.ForceKillStream{CommandMeta: types.CommandMeta{ID: "c2", StreamID: 5}}
	f.tracker.Track(7, kill, 1)

	assert.Empty(t, f.tracker.Stale(f.clock.Now()))

	assert.True(t, f.tracker.Ack("c1", "STOPPED"))
	assert.False(t, f.tracker.Ack("unknown", ""))

	f.clock.Advance(31 * time.Second)
	stale := f.tracker.Stale(f.clock.Now())
	require.Len(t, stale, 1)
	assert.Equal(t, "c2", stale[0].ID)

	// past the ack timeout the same command may be sent again
	assert.False(t, f.tracker.Pending(7, 5, types.CommandForceKillStream))

	f.tracker.MarkReissued("c2")
	rec, ok := f.tracker.Get("c2")
	require.True(t, ok)
	assert.True(t, rec.Reissued)

	rec, ok = f.tracker.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "STOPPED", rec.Result)
}
