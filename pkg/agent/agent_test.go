package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error

	mu      sync.Mutex
	stopped bool
	killed  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

func (p *fakeProcess) Stop(time.Duration) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type fakeRunner struct {
	mu    sync.Mutex
	procs map[int64]*fakeProcess
	fail  error
}

func (r *fakeRunner) Start(streamID int64, _ types.StreamSpec) (Process, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := newFakeProcess(1000 + int(streamID))
	r.procs[streamID] = p
	return p, nil
}

func (r *fakeRunner) proc(id int64) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[id]
}

type fixture struct {
	bus     *bus.MemoryBus
	runner  *fakeRunner
	agent   *Agent
	reports bus.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.NewMemoryBus()
	reports, err := b.Subscribe(context.Background(), bus.DefaultChannels.Reports)
	require.NoError(t, err)
	t.Cleanup(func() { reports.Close() })

	cfg := config.Default().Agent
	cfg.NodeID = 7
	cfg.Version = "1.4.0"
	runner := &fakeRunner{procs: make(map[int64]*fakeProcess)}
	return &fixture{
		bus:     b,
		runner:  runner,
		agent:   New(cfg, b, bus.DefaultChannels, runner, nil),
		reports: reports,
	}
}

func (f *fixture) next(t *testing.T) types.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := f.reports.Receive(ctx)
	require.NoError(t, err)
	r, err := types.DecodeReport(data)
	require.NoError(t, err)
	return r
}

func (f *fixture) nextStatus(t *testing.T) *types.StatusUpdate {
	t.Helper()
	r := f.next(t)
	upd, ok := r.(*types.StatusUpdate)
	require.True(t, ok, "expected status update, got %T", r)
	return upd
}

func startCmd(streamID int64, id string) *types.StartStream {
	return &types.StartStream{
		CommandMeta: types.CommandMeta{ID: id, StreamID: streamID},
		Stream: types.StreamSpec{
			Sources:   []string{"https://cdn.example.com/a.mp4"},
			RTMPURL:   "rtmp://live.example.com/app",
			StreamKey: "key",
		},
	}
}

func TestStartReportsStreaming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.agent.Handle(ctx, startCmd(42, "c1")))
	upd := f.nextStatus(t)
	assert.Equal(t, int64(42), upd.StreamID)
	assert.Equal(t, int64(7), upd.NodeID)
	assert.Equal(t, types.StreamStatusStreaming, upd.Status)
	assert.Equal(t, 1042, upd.ProcessID)
	assert.Equal(t, "c1", upd.CommandID)
	assert.Equal(t, []int64{42}, f.agent.Active())

	// Duplicate start is acknowledged without a second process
	require.NoError(t, f.agent.Handle(ctx, startCmd(42, "c2")))
	upd = f.nextStatus(t)
	assert.Equal(t, "c2", upd.CommandID)
	assert.Equal(t, "already running", upd.Message)
}

func TestStartFailureReportsError(t *testing.T) {
	f := newFixture(t)
	f.runner.fail = errors.New("ffmpeg not found")

	require.NoError(t, f.agent.Handle(context.Background(), startCmd(42, "c1")))
	upd := f.nextStatus(t)
	assert.Equal(t, types.StreamStatusError, upd.Status)
	assert.Contains(t, upd.Message, "ffmpeg not found")
	assert.Empty(t, f.agent.Active())
}

func TestStopAndKill(t *testing.T) {
	tests := []struct {
		name       string
		cmd        types.Command
		wantKilled bool
	}{
		{"stop", &types.StopStream{CommandMeta: types.CommandMeta{ID: "s1", StreamID: 42}}, false},
		{"force kill", &types.ForceKillStream{CommandMeta: types.CommandMeta{ID: "s1", StreamID: 42}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.agent.Handle(ctx, startCmd(42, "c1")))
			f.nextStatus(t)

			require.NoError(t, f.agent.Handle(ctx, tt.cmd))
			upd := f.nextStatus(t)
			assert.Equal(t, types.StreamStatusStopped, upd.Status)
			assert.Equal(t, "s1", upd.CommandID)
			assert.Equal(t, tt.wantKilled, f.runner.proc(42).killed)
			assert.Empty(t, f.agent.Active())
		})
	}
}

func TestStopUnknownStreamAcks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.Handle(context.Background(), &types.StopStream{CommandMeta: types.CommandMeta{ID: "s1", StreamID: 5}}))

	upd := f.nextStatus(t)
	assert.Equal(t, int64(5), upd.StreamID)
	assert.Equal(t, types.StreamStatusStopped, upd.Status)
	assert.Equal(t, "s1", upd.CommandID)
}

func TestProcessExit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.StreamStatus
	}{
		{"playback finished", nil, types.StreamStatusCompleted},
		{"crash", errors.New("exit status 1"), types.StreamStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.agent.Handle(context.Background(), startCmd(42, "c1")))
			f.nextStatus(t)

			f.runner.proc(42).exit(tt.err)
			upd := f.nextStatus(t)
			assert.Equal(t, tt.want, upd.Status)
			assert.Empty(t, upd.CommandID)
		})
	}
}

func TestSyncAndRefreshAckWithHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agent.Handle(ctx, startCmd(42, "c1")))
	f.nextStatus(t)

	require.NoError(t, f.agent.Handle(ctx, &types.SyncState{CommandMeta: types.CommandMeta{ID: "sync-1"}}))
	hb, ok := f.next(t).(*types.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "sync-1", hb.CommandID)
	assert.Equal(t, []int64{42}, hb.ActiveStreams)
	assert.Equal(t, "1.4.0", hb.AgentVersion)

	require.NoError(t, f.agent.Handle(ctx, &types.RefreshSettings{
		CommandMeta: types.CommandMeta{ID: "ref-1"},
		Settings:    map[string]string{"bitrate": "4500k"},
	}))
	hb, ok = f.next(t).(*types.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "ref-1", hb.CommandID)
	v, found := f.agent.Setting("bitrate")
	assert.True(t, found)
	assert.Equal(t, "4500k", v)
}

func TestRunServesCommandsAndRestarts(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	// Startup heartbeat means the command subscription is live
	_, ok := f.next(t).(*types.Heartbeat)
	require.True(t, ok)

	cmd, err := types.EncodeCommand(startCmd(42, "c1"))
	require.NoError(t, err)
	n, err := f.bus.Publish(ctx, bus.DefaultChannels.Commands(7), cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, types.StreamStatusStreaming, f.nextStatus(t).Status)

	restart, err := types.EncodeCommand(&types.RestartAgent{CommandMeta: types.CommandMeta{ID: "r1"}})
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, bus.DefaultChannels.Commands(7), restart)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestartRequested)
	case <-ctx.Done():
		t.Fatal("agent did not exit after RESTART_AGENT")
	}
	assert.True(t, f.runner.proc(42).stopped)
}
