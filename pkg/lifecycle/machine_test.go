package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type fixture struct {
	store   *storage.BoltStore
	bus     *bus.MemoryBus
	cache   *statecache.MemoryCache
	tracker *dispatcher.Tracker
	broker  *events.Broker
	m       *Machine
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		bus:     bus.NewMemoryBus(),
		cache:   statecache.NewMemoryCache(16, nil),
		tracker: dispatcher.NewTracker(30*time.Second, gcache.NewFakeClock()),
		broker:  events.NewBroker(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	d := dispatcher.NewDispatcher(f.bus, f.cache, bus.DefaultChannels, f.tracker, f.broker)
	f.m = New(store, f.cache, d, config.Default().Thresholds, f.broker)
	f.m.SetDeduper(f.tracker)
	f.m.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addNode(t *testing.T, id int64, current int) {
	t.Helper()
	require.NoError(t, f.store.CreateNode(context.Background(), &types.Node{
		ID:              id,
		Name:            "vps",
		Status:          types.NodeStatusActive,
		CurrentStreams:  current,
		CapacityCeiling: 10,
	}))
}

func (f *fixture) addStream(t *testing.T, id int64, status types.StreamStatus, node *int64) {
	t.Helper()
	require.NoError(t, f.store.CreateStream(context.Background(), &types.Stream{
		ID:             id,
		Title:          "show",
		Status:         status,
		AssignedNodeID: node,
		Sources:        []types.ContentRef{{ID: 1, URL: "https://cdn.example.com/a.mp4", Ready: true}},
		RTMPURL:        "rtmp://live.example.com/app",
		StreamKey:      "key",
	}))
}

func (f *fixture) stream(t *testing.T, id int64) *types.Stream {
	t.Helper()
	st, err := f.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) counter(t *testing.T, nodeID int64) int {
	t.Helper()
	node, err := f.store.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	return node.CurrentStreams
}

func (f *fixture) listen(t *testing.T, nodeID int64) bus.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), bus.DefaultChannels.Commands(nodeID))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func receive(t *testing.T, sub bus.Subscription) types.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	cmd, err := types.DecodeCommand(msg)
	require.NoError(t, err)
	return cmd
}

func TestTableAllowed(t *testing.T) {
	tests := []struct {
		action Action
		from   types.StreamStatus
		want   bool
	}{
		{ActionStart, types.StreamStatusInactive, true},
		{ActionStart, types.StreamStatusError, true},
		{ActionStart, types.StreamStatusStreaming, false},
		{ActionStart, types.StreamStatusStopping, false},
		{ActionStop, types.StreamStatusStreaming, true},
		{ActionStop, types.StreamStatusStopping, false},
		{ActionPromote, types.StreamStatusStopping, true},
		{ActionPromote, types.StreamStatusInactive, false},
		{ActionForceStop, types.StreamStatusStopping, true},
		{ActionForceStop, types.StreamStatusStreaming, false},
		{ActionFail, types.StreamStatusWaitingForProcessing, true},
		{ActionFail, types.StreamStatusInactive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action)+"/"+string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.action, tt.from))
		})
	}
}

func TestStartDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 0)
	f.addStream(t, 42, types.StreamStatusInactive, nil)
	sub := f.listen(t, 7)

	st, err := f.m.Start(ctx, 42, 7, "manual start")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStarting, st.Status)
	assert.True(t, st.AssignedTo(7))
	require.NotNil(t, st.LastStartedAt)
	assert.True(t, st.LastStartedAt.Equal(f.now))
	assert.Equal(t, 1, f.counter(t, 7))

	cmd := receive(t, sub)
	start, ok := cmd.(*types.StartStream)
	require.True(t, ok)
	assert.Equal(t, int64(42), start.StreamID)
	assert.Equal(t, []string{"https://cdn.example.com/a.mp4"}, start.Stream.Sources)
	assert.Equal(t, "key", start.Stream.StreamKey)

	assert.NotEmpty(t, f.broker.RecentOfType(events.EventStreamTransition))
}

func TestStartUndeliveredFails(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, 7, 0)
	f.addStream(t, 42, types.StreamStatusInactive, nil)

	_, err := f.m.Start(context.Background(), 42, 7, "manual start")
	require.ErrorIs(t, err, ErrNotDelivered)

	st := f.stream(t, 42)
	assert.Equal(t, types.StreamStatusError, st.Status)
	assert.Nil(t, st.AssignedNodeID)
	assert.Contains(t, st.ErrorMessage, "agent offline")
	assert.Equal(t, 0, f.counter(t, 7))
}

func TestStartRejectsRunningStream(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, 7, 1)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))

	_, err := f.m.Start(context.Background(), 42, 7, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.counter(t, 7))
}

func TestStartUnknownNode(t *testing.T) {
	f := newFixture(t)
	f.addStream(t, 42, types.StreamStatusInactive, nil)

	_, err := f.m.Start(context.Background(), 42, 99, "manual start")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, types.StreamStatusInactive, f.stream(t, 42).Status)
}

func TestStartWaitsForContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 0)
	require.NoError(t, f.store.CreateStream(ctx, &types.Stream{
		ID:      42,
		Title:   "show",
		Status:  types.StreamStatusInactive,
		Sources: []types.ContentRef{{ID: 5, URL: "https://cdn.example.com/b.mp4"}},
		RTMPURL: "rtmp://live.example.com/app",
	}))

	st, err := f.m.Start(ctx, 42, 7, "manual start")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusWaitingForProcessing, st.Status)
	assert.Nil(t, st.AssignedNodeID)
	assert.Equal(t, 0, f.counter(t, 7))

	st, err = f.m.MarkContentReady(ctx, 42, 5)
	require.NoError(t, err)
	assert.True(t, st.ContentReady())

	_, err = f.m.MarkContentReady(ctx, 42, 6)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHeartbeatPromotesStarting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 1)
	f.addStream(t, 42, types.StreamStatusStarting, types.Int64(7))

	out, err := f.m.ObserveRunning(ctx, 42, 7, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, out)

	st := f.stream(t, 42)
	assert.Equal(t, types.StreamStatusStreaming, st.Status)
	assert.True(t, st.AssignedTo(7))
	assert.Equal(t, 1, f.counter(t, 7))

	out, err = f.m.ObserveRunning(ctx, 42, 7, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)
}

func TestObserveRunningIgnoresIdleStream(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, 7, 0)
	f.addStream(t, 42, types.StreamStatusInactive, nil)

	out, err := f.m.ObserveRunning(context.Background(), 42, 7, Observation{Source: SourceHeartbeat})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, types.StreamStatusInactive, f.stream(t, 42).Status)
}

func TestRequestStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 0)
	f.addStream(t, 42, types.StreamStatusInactive, nil)
	sub := f.listen(t, 7)

	_, err := f.m.Start(ctx, 42, 7, "manual start")
	require.NoError(t, err)
	receive(t, sub)

	f.now = f.now.Add(30 * time.Second)
	_, err = f.m.RequestStop(ctx, 42, "schedule ended", StopOptions{GuardRecentStart: true})
	require.ErrorIs(t, err, ErrRecentlyStarted)
	assert.Equal(t, types.StreamStatusStarting, f.stream(t, 42).Status)

	f.now = f.now.Add(3 * time.Minute)
	st, err := f.m.RequestStop(ctx, 42, "schedule ended", StopOptions{GuardRecentStart: true})
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStopping, st.Status)
	assert.Equal(t, 1, f.counter(t, 7))
	assert.Equal(t, types.CommandStopStream, receive(t, sub).Name())

	// A second stop is a no-op
	st, err = f.m.RequestStop(ctx, 42, "again", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStopping, st.Status)

	// A heartbeat still listing the stream does not undo the stop
	out, err := f.m.ObserveRunning(ctx, 42, 7, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, types.StreamStatusStopping, f.stream(t, 42).Status)

	out, err = f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 7, Status: types.StreamStatusStopped, Timestamp: f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	st = f.stream(t, 42)
	assert.Equal(t, types.StreamStatusStopped, st.Status)
	assert.Nil(t, st.AssignedNodeID)
	assert.Equal(t, 0, f.counter(t, 7))
}

func TestRequestStopIdleStreams(t *testing.T) {
	tests := []struct {
		name   string
		status types.StreamStatus
		node   *int64
		want   types.StreamStatus
	}{
		{"waiting", types.StreamStatusWaitingForProcessing, nil, types.StreamStatusInactive},
		{"error", types.StreamStatusError, nil, types.StreamStatusInactive},
		{"inactive", types.StreamStatusInactive, nil, types.StreamStatusInactive},
		{"completed", types.StreamStatusCompleted, nil, types.StreamStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addStream(t, 42, tt.status, tt.node)

			st, err := f.m.RequestStop(context.Background(), 42, "user", StopOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestStopUndeliveredStaysStopping(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, 7, 1)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))

	st, err := f.m.RequestStop(context.Background(), 42, "user", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStopping, st.Status)
	assert.Equal(t, 1, f.counter(t, 7))
}

func TestExpireStopping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 1)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))

	_, err := f.m.RequestStop(ctx, 42, "user", StopOptions{})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	changed, err := f.m.ExpireStopping(ctx, 42)
	require.NoError(t, err)
	assert.False(t, changed)

	f.now = f.now.Add(5 * time.Minute)
	changed, err = f.m.ExpireStopping(ctx, 42)
	require.NoError(t, err)
	assert.True(t, changed)

	st := f.stream(t, 42)
	assert.Equal(t, types.StreamStatusInactive, st.Status)
	assert.Nil(t, st.AssignedNodeID)
	assert.Contains(t, st.ErrorMessage, "force-stopped")
	assert.Equal(t, 0, f.counter(t, 7))
}

func TestExpireStarting(t *testing.T) {
	t.Run("no heartbeat", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.addNode(t, 7, 0)
		f.addStream(t, 42, types.StreamStatusInactive, nil)
		f.listen(t, 7)

		_, err := f.m.Start(ctx, 42, 7, "manual start")
		require.NoError(t, err)

		f.now = f.now.Add(6 * time.Minute)
		changed, err := f.m.ExpireStarting(ctx, 42)
		require.NoError(t, err)
		assert.True(t, changed)

		st := f.stream(t, 42)
		assert.Equal(t, types.StreamStatusError, st.Status)
		assert.Contains(t, st.ErrorMessage, "start timed out")
		assert.Equal(t, 0, f.counter(t, 7))
	})

	t.Run("heartbeat lists stream", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.addNode(t, 7, 1)
		f.addStream(t, 42, types.StreamStatusStarting, types.Int64(7))
		require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{42}, time.Minute))

		changed, err := f.m.ExpireStarting(ctx, 42)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, types.StreamStatusStreaming, f.stream(t, 42).Status)
		assert.Equal(t, 1, f.counter(t, 7))
	})
}

func TestConflictReassignsToReporter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 1)
	f.addNode(t, 8, 0)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{}, time.Minute))

	out, err := f.m.ObserveRunning(ctx, 42, 8, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReassigned, out)

	assert.True(t, f.stream(t, 42).AssignedTo(8))
	assert.Equal(t, 0, f.counter(t, 7))
	assert.Equal(t, 1, f.counter(t, 8))
	assert.Len(t, f.broker.RecentOfType(events.EventStreamConflict), 1)
}

func TestDoubleRunStopsReporter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 1)
	f.addNode(t, 8, 0)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{42}, time.Minute))
	sub := f.listen(t, 8)

	out, err := f.m.ObserveRunning(ctx, 42, 8, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDoubleRun, out)
	assert.Equal(t, types.CommandStopStream, receive(t, sub).Name())

	st := f.stream(t, 42)
	assert.True(t, st.AssignedTo(7))
	assert.Equal(t, types.StreamStatusStreaming, st.Status)
	assert.Equal(t, 1, f.counter(t, 7))
	assert.Equal(t, 0, f.counter(t, 8))

	// The STOP is still in flight, so the next heartbeat sends nothing
	_, err = f.m.ObserveRunning(ctx, 42, 8, Observation{Source: SourceHeartbeat, At: f.now})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Receive(short)
	assert.Error(t, err)
}

func TestConcurrentClaimsKeepOneAssignment(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		f.addNode(t, 7, 1)
		f.addNode(t, 8, 0)
		f.addNode(t, 9, 0)
		f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))
		require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{}, time.Minute))
		require.NoError(t, f.cache.SetActiveStreams(ctx, 8, []int64{42}, time.Minute))
		require.NoError(t, f.cache.SetActiveStreams(ctx, 9, []int64{42}, time.Minute))

		var (
			wg       sync.WaitGroup
			outcomes [2]Outcome
			errs     [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcomes[0], errs[0] = f.m.ObserveRunning(ctx, 42, 8, Observation{Source: SourceHeartbeat, At: f.now})
		}()
		go func() {
			defer wg.Done()
			outcomes[1], errs[1] = f.m.ApplyStatus(ctx, &types.StatusUpdate{
				StreamID:  42,
				NodeID:    9,
				Status:    types.StreamStatusStreaming,
				Timestamp: f.now,
			})
		}()
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		reassigned := 0
		for _, out := range outcomes {
			if out == OutcomeReassigned {
				reassigned++
			}
		}
		assert.Equal(t, 1, reassigned, "round %d: outcomes %v", round, outcomes)

		st := f.stream(t, 42)
		require.NotNil(t, st.AssignedNodeID)
		owner := *st.AssignedNodeID
		assert.Contains(t, []int64{8, 9}, owner)
		assert.Equal(t, types.StreamStatusStreaming, st.Status)

		total := f.counter(t, 7) + f.counter(t, 8) + f.counter(t, 9)
		assert.Equal(t, 1, total, "round %d", round)
		assert.Equal(t, 1, f.counter(t, owner), "round %d", round)
	}
}

func TestApplyStatusOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 0)
	f.addNode(t, 8, 0)
	f.addStream(t, 42, types.StreamStatusInactive, nil)
	f.listen(t, 7)

	_, err := f.m.Start(ctx, 42, 7, "manual start")
	require.NoError(t, err)

	// A report from the previous run
	out, err := f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 7, Status: types.StreamStatusStopped, Timestamp: f.now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	// A node that does not own the stream
	out, err = f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 8, Status: types.StreamStatusError, Timestamp: f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, types.StreamStatusStarting, f.stream(t, 42).Status)

	out, err = f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 7, Status: types.StreamStatusStreaming, ProcessID: 4242, Timestamp: f.now.Add(10 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, out)
	assert.Equal(t, 4242, f.stream(t, 42).ProcessID)

	// Older than the last applied report
	out, err = f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 7, Status: types.StreamStatusError, Timestamp: f.now.Add(5 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	out, err = f.m.ApplyStatus(ctx, &types.StatusUpdate{
		StreamID: 42, NodeID: 7, Status: types.StreamStatusError, Message: "ffmpeg exited 1", Timestamp: f.now.Add(20 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	st := f.stream(t, 42)
	assert.Equal(t, types.StreamStatusError, st.Status)
	assert.Equal(t, "ffmpeg exited 1", st.ErrorMessage)
	assert.Nil(t, st.AssignedNodeID)
	assert.Equal(t, 0, f.counter(t, 7))
}

func TestMarkMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, 7, 1)
	f.addStream(t, 42, types.StreamStatusStreaming, types.Int64(7))

	changed, err := f.m.MarkMissing(ctx, 42, 8, "missing on node 8")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.m.MarkMissing(ctx, 42, 7, "missing on node 7")
	require.NoError(t, err)
	assert.True(t, changed)

	st := f.stream(t, 42)
	assert.Equal(t, types.StreamStatusError, st.Status)
	assert.Equal(t, "missing on node 7", st.ErrorMessage)
	assert.Equal(t, 0, f.counter(t, 7))

	changed, err = f.m.MarkMissing(ctx, 42, 7, "again")
	require.NoError(t, err)
	assert.False(t, changed)
}
