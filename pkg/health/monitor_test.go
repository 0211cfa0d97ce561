package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type fixture struct {
	store   *storage.BoltStore
	bus     *bus.MemoryBus
	cache   *statecache.MemoryCache
	clock   gcache.FakeClock
	tracker *dispatcher.Tracker
	d       *dispatcher.Dispatcher
	broker  *events.Broker
	m       *Monitor
}

func newFixture(t *testing.T, cfg config.HealthConfig) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:  store,
		bus:    bus.NewMemoryBus(),
		cache:  statecache.NewMemoryCache(16, nil),
		clock:  gcache.NewFakeClock(),
		broker: events.NewBroker(),
	}
	f.tracker = dispatcher.NewTracker(30*time.Second, f.clock)
	f.d = dispatcher.NewDispatcher(f.bus, f.cache, bus.DefaultChannels, f.tracker, f.broker)

	machine := lifecycle.New(store, f.cache, f.d, config.Default().Thresholds, f.broker)
	machine.SetDeduper(f.tracker)
	machine.SetClock(f.clock.Now)

	rec := reconciler.NewReconciler(store, f.cache, machine, f.d, f.tracker, config.Default().Reconciler, f.broker)
	f.m = NewMonitor(store, f.cache, machine, f.d, f.tracker, rec, cfg, f.broker)
	return f
}

func (f *fixture) node(t *testing.T, id int64, current int, heartbeatAgo time.Duration, version string) {
	t.Helper()
	node := &types.Node{
		ID:              id,
		Address:         "127.0.0.1",
		SSHPort:         1,
		Status:          types.NodeStatusActive,
		CurrentStreams:  current,
		CapacityCeiling: 10,
		AgentVersion:    version,
	}
	if heartbeatAgo >= 0 {
		node.LastHeartbeat = types.Time(f.clock.Now().Add(-heartbeatAgo))
	}
	require.NoError(t, f.store.CreateNode(context.Background(), node))
}

func (f *fixture) stream(t *testing.T, id int64, status types.StreamStatus, node *int64, ago time.Duration) {
	t.Helper()
	at := types.Time(f.clock.Now().Add(-ago))
	require.NoError(t, f.store.CreateStream(context.Background(), &types.Stream{
		ID:             id,
		Title:          "show",
		Status:         status,
		AssignedNodeID: node,
		Sources:        []types.ContentRef{{ID: 1, URL: "https://cdn.example.com/a.mp4", Ready: true}},
		RTMPURL:        "rtmp://live.example.com/app",
		LastStartedAt:  at,
		LastStoppedAt:  at,
	}))
}

func (f *fixture) status(t *testing.T, id int64) types.StreamStatus {
	t.Helper()
	st, err := f.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	return st.Status
}

func (f *fixture) listen(t *testing.T, nodeID int64) bus.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), bus.DefaultChannels.Commands(nodeID))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func received(sub bus.Subscription) []types.CommandName {
	var names []types.CommandName
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, err := sub.Receive(ctx)
		cancel()
		if err != nil {
			return names
		}
		if cmd, err := types.DecodeCommand(msg); err == nil {
			names = append(names, cmd.Name())
		}
	}
}

func TestClassify(t *testing.T) {
	th := config.Default().Thresholds
	now := time.Now()

	tests := []struct {
		name string
		last *time.Time
		want Level
	}{
		{"never", nil, LevelBad},
		{"fresh", types.Time(now.Add(-10 * time.Second)), LevelGood},
		{"late", types.Time(now.Add(-2 * time.Minute)), LevelWarning},
		{"stale", types.Time(now.Add(-4 * time.Minute)), LevelBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.last, now, th))
		})
	}
}

func TestSweepTimeoutsAlwaysApply(t *testing.T) {
	f := newFixture(t, config.Default().Health)
	ctx := context.Background()
	f.node(t, 7, 2, 10*time.Second, "")
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{}, time.Minute))
	f.stream(t, 1, types.StreamStatusStarting, types.Int64(7), 6*time.Minute)
	f.stream(t, 2, types.StreamStatusStopping, types.Int64(7), 6*time.Minute)

	report, err := f.m.Sweep(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(IssueStuckStarting))
	assert.Equal(t, 1, report.Count(IssueStuckStopping))
	assert.Equal(t, 2, report.Fixed)

	assert.Equal(t, types.StreamStatusError, f.status(t, 1))
	assert.Equal(t, types.StreamStatusInactive, f.status(t, 2))

	node, err := f.store.GetNode(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, node.CurrentStreams)
	assert.Len(t, f.broker.RecentOfType(events.EventHealthAutoFix), 2)
}

func TestSweepReportsWithoutAutoFix(t *testing.T) {
	f := newFixture(t, config.Default().Health)
	ctx := context.Background()
	f.node(t, 7, 4, 10*time.Second, "")
	f.stream(t, 1, types.StreamStatusStreaming, types.Int64(7), time.Hour)
	f.stream(t, 2, types.StreamStatusStreaming, types.Int64(7), time.Hour)
	f.stream(t, 3, types.StreamStatusInactive, nil, time.Hour)
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{1, 3, 9}, time.Minute))

	report, err := f.m.Sweep(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(IssueMissing))
	assert.Equal(t, 2, report.Count(IssueGhost))
	assert.Equal(t, 1, report.Count(IssueCounterDrift))
	assert.Equal(t, 0, report.Fixed)

	assert.Equal(t, types.StreamStatusStreaming, f.status(t, 2))
	require.Len(t, report.Nodes, 1)
	assert.Equal(t, LevelGood, report.Nodes[0].Level)
}

func TestSweepAutoFix(t *testing.T) {
	f := newFixture(t, config.Default().Health)
	ctx := context.Background()
	f.node(t, 7, 4, 10*time.Second, "")
	f.stream(t, 1, types.StreamStatusStreaming, types.Int64(7), time.Hour)
	f.stream(t, 2, types.StreamStatusStreaming, types.Int64(7), time.Hour)
	f.stream(t, 3, types.StreamStatusInactive, nil, time.Hour)
	require.NoError(t, f.cache.SetActiveStreams(ctx, 7, []int64{1, 3, 9}, time.Minute))
	sub := f.listen(t, 7)

	report, err := f.m.Sweep(ctx, SweepOptions{AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)

	assert.Equal(t, types.StreamStatusError, f.status(t, 2))
	assert.ElementsMatch(t, []types.CommandName{types.CommandStopStream, types.CommandForceKillStream}, received(sub))

	node, err := f.store.GetNode(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, node.CurrentStreams)

	// Ghost commands are in flight, nothing is sent twice
	_, err = f.m.Sweep(ctx, SweepOptions{AutoFix: true})
	require.NoError(t, err)
	assert.Empty(t, received(sub))
}

func TestStaleHeartbeat(t *testing.T) {
	t.Run("reachable host restarts agent", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		f := newFixture(t, config.Default().Health)
		ctx := context.Background()
		require.NoError(t, f.store.CreateNode(ctx, &types.Node{
			ID: 7, Address: "127.0.0.1", SSHPort: port, Status: types.NodeStatusActive,
			LastHeartbeat: types.Time(f.clock.Now().Add(-10 * time.Minute)),
		}))
		sub := f.listen(t, 7)

		report, err := f.m.Sweep(ctx, SweepOptions{AutoFix: true})
		require.NoError(t, err)
		require.Equal(t, 1, report.Count(IssueStaleHeartbeat))
		assert.Equal(t, []types.CommandName{types.CommandRestartAgent}, received(sub))
	})

	t.Run("unreachable host is marked failed", func(t *testing.T) {
		f := newFixture(t, config.Default().Health)
		ctx := context.Background()
		f.node(t, 7, 0, -1, "")
		f.m.SetProbe(func(ctx context.Context, node *types.Node) Result {
			return Result{Healthy: false, Message: "connection refused", CheckedAt: time.Now()}
		})

		report, err := f.m.Sweep(ctx, SweepOptions{})
		require.NoError(t, err)
		require.Equal(t, 1, report.Count(IssueStaleHeartbeat))
		assert.Contains(t, report.Issues[0].Observed, "never sent a heartbeat")

		node, err := f.store.GetNode(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, types.NodeStatusActive, node.Status)

		_, err = f.m.Sweep(ctx, SweepOptions{AutoFix: true})
		require.NoError(t, err)
		node, err = f.store.GetNode(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, types.NodeStatusFailed, node.Status)
		assert.Contains(t, node.StatusMessage, "unreachable")
	})
}

func TestOutdatedAgent(t *testing.T) {
	cfg := config.Default().Health
	cfg.MinAgentVersion = "1.2.0"

	tests := []struct {
		version string
		want    int
	}{
		{"1.2.0", 0},
		{"v1.3.1", 0},
		{"1.1.9", 1},
		{"", 1},
		{"garbage", 1},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			f := newFixture(t, cfg)
			f.node(t, 7, 0, 10*time.Second, tt.version)

			report, err := f.m.Sweep(context.Background(), SweepOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Count(IssueOutdatedAgent))
		})
	}
}

func TestDelayedAckReissuedOnce(t *testing.T) {
	f := newFixture(t, config.Default().Health)
	ctx := context.Background()
	f.node(t, 7, 0, 0, "")
	sub := f.listen(t, 7)

	_, err := f.d.Send(ctx, 7, &types.SyncState{})
	require.NoError(t, err)
	assert.Equal(t, []types.CommandName{types.CommandSyncState}, received(sub))
	require.NoError(t, f.store.UpdateNode(ctx, &types.Node{
		ID: 7, Address: "127.0.0.1", Status: types.NodeStatusActive,
		LastHeartbeat: types.Time(f.clock.Now().Add(time.Minute)),
	}))

	f.clock.Advance(time.Minute)
	report, err := f.m.Sweep(ctx, SweepOptions{AutoFix: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueDelayedAck))
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, []types.CommandName{types.CommandSyncState}, received(sub))

	// Neither the original nor the copy is reissued again
	f.clock.Advance(time.Minute)
	report, err = f.m.Sweep(ctx, SweepOptions{AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(IssueDelayedAck))
	assert.Equal(t, 0, report.Fixed)
	assert.Empty(t, received(sub))
}
