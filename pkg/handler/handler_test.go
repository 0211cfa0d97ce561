package handler

import (
	"context"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type fixture struct {
	store   *storage.BoltStore
	bus     *bus.MemoryBus
	cache   *statecache.MemoryCache
	tracker *dispatcher.Tracker
	d       *dispatcher.Dispatcher
	h       *Handler
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
	}
	f.d = dispatcher.NewDispatcher(f.bus, f.cache, bus.DefaultChannels, f.tracker, nil)
	m := lifecycle.New(store, f.cache, f.d, config.Default().Thresholds, nil)
	f.h = New(store, f.cache, m, f.tracker, 5*time.Minute)

	ctx := context.Background()
	require.NoError(t, store.CreateNode(ctx, &types.Node{ID: 7, Status: types.NodeStatusActive, CurrentStreams: 1, CapacityCeiling: 10}))
	require.NoError(t, store.CreateStream(ctx, &types.Stream{
		ID:             42,
		Title:          "show",
		Status:         types.StreamStatusStarting,
		AssignedNodeID: types.Int64(7),
		Sources:        []types.ContentRef{{ID: 1, URL: "https://cdn.example.com/a.mp4", Ready: true}},
		RTMPURL:        "rtmp://live.example.com/app",
		LastStartedAt:  types.Time(time.Now().Add(-time.Minute)),
	}))
	return f
}

func TestJobKeys(t *testing.T) {
	f := newFixture(t)

	job := f.h.Job(&types.Heartbeat{NodeID: 7})
	assert.Equal(t, "node:7", job.Key)
	assert.Equal(t, "heartbeat", job.Name)

	job = f.h.Job(&types.StatusUpdate{StreamID: 42, NodeID: 7})
	assert.Equal(t, "stream:42", job.Key)
	assert.Equal(t, "status_update", job.Name)
}

func TestHeartbeatPromotesListedStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.bus.Subscribe(ctx, "vps-commands:7")
	require.NoError(t, err)
	defer sub.Close()
	syncCmd := &types.SyncState{}
	_, err = f.d.Send(ctx, 7, syncCmd)
	require.NoError(t, err)

	err = f.h.Job(&types.Heartbeat{
		NodeID:        7,
		ActiveStreams: []int64{42, 99},
		AgentVersion:  "1.4.0",
		CommandID:     syncCmd.ID,
		Timestamp:     time.Now(),
	}).Run(ctx)
	require.NoError(t, err)

	ids, found, err := f.cache.ActiveStreams(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int64{42, 99}, ids)

	node, err := f.store.GetNode(ctx, 7)
	require.NoError(t, err)
	assert.NotNil(t, node.LastHeartbeat)
	assert.Equal(t, "1.4.0", node.AgentVersion)
	assert.Equal(t, 1, node.CurrentStreams)

	st, err := f.store.GetStream(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStreaming, st.Status)

	rec, ok := f.tracker.Get(syncCmd.ID)
	require.True(t, ok)
	assert.True(t, rec.Acked())
}

func TestHeartbeatFromUnknownNode(t *testing.T) {
	f := newFixture(t)

	err := f.h.HandleHeartbeat(context.Background(), &types.Heartbeat{NodeID: 8, ActiveStreams: []int64{42}})
	require.NoError(t, err)

	st, err := f.store.GetStream(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStarting, st.Status)
}

func TestStatusUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.h.HandleStatus(ctx, &types.StatusUpdate{
		StreamID:  42,
		NodeID:    7,
		Status:    types.StreamStatusError,
		Message:   "input not found",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	st, err := f.store.GetStream(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusError, st.Status)
	assert.Equal(t, "input not found", st.ErrorMessage)

	node, err := f.store.GetNode(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, node.CurrentStreams)

	// Unknown streams are dropped
	err = f.h.HandleStatus(ctx, &types.StatusUpdate{StreamID: 500, NodeID: 7, Status: types.StreamStatusStopped})
	assert.NoError(t, err)
}
