package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// ErrRestartRequested is returned by Run after a RESTART_AGENT command. The
// service manager is expected to start the agent again.
var ErrRestartRequested = errors.New("restart requested")

// DefaultVersion is reported when the config carries no version
const DefaultVersion = "0.0.0-dev"

// Agent runs on a node: it executes commands from the control plane, runs
// one process per stream and reports what is running
type Agent struct {
	cfg      config.AgentConfig
	bus      bus.Bus
	channels bus.Channels
	runner   Runner
	sampler  Sampler
	poster   *TelemetryClient
	version  string
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	streams  map[int64]*running
	settings map[string]string
	wg       sync.WaitGroup
}

type running struct {
	proc      Process
	spec      types.StreamSpec
	stopping  bool
	stopCmdID string
}

// New creates an agent. sampler may be nil to disable telemetry.
func New(cfg config.AgentConfig, b bus.Bus, channels bus.Channels, runner Runner, sampler Sampler) *Agent {
	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}
	a := &Agent{
		cfg:      cfg,
		bus:      b,
		channels: channels,
		runner:   runner,
		sampler:  sampler,
		version:  version,
		now:      time.Now,
		logger:   log.WithNodeID(cfg.NodeID).With().Str("component", "agent").Logger(),
		streams:  make(map[int64]*running),
		settings: make(map[string]string),
	}
	if sampler != nil && cfg.TelemetryURL != "" {
		a.poster = NewTelemetryClient(cfg.TelemetryURL)
	}
	return a
}

// Run subscribes to the node's command channel and serves commands until
// ctx is done or a restart is requested. Running streams are stopped on
// the way out.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, a.channels.Commands(a.cfg.NodeID))
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	defer sub.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.shutdown()
		a.wg.Wait()
	}()

	a.logger.Info().Str("version", a.version).Msg("Agent started")
	a.heartbeat(ctx, "")

	a.wg.Add(1)
	go a.heartbeatLoop(loopCtx)
	if a.poster != nil {
		a.wg.Add(1)
		go a.telemetryLoop(loopCtx)
	}

	for {
		data, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info().Msg("Agent stopped")
				return nil
			}
			return fmt.Errorf("command subscription failed: %w", err)
		}

		cmd, err := types.DecodeCommand(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Dropping undecodable command")
			continue
		}
		if err := a.Handle(ctx, cmd); err != nil {
			return err
		}
	}
}

// Handle executes one command. Only RESTART_AGENT returns an error.
func (a *Agent) Handle(ctx context.Context, cmd types.Command) error {
	meta := cmd.Meta()
	a.logger.Debug().
		Str("command", string(cmd.Name())).
		Str("command_id", meta.ID).
		Int64("stream_id", meta.StreamID).
		Msg("Command received")

	switch c := cmd.(type) {
	case *types.StartStream:
		a.startStream(ctx, c)
	case *types.StopStream:
		a.stopStream(ctx, meta, false)
	case *types.ForceKillStream:
		a.stopStream(ctx, meta, true)
	case *types.SyncState:
		a.heartbeat(ctx, meta.ID)
	case *types.RefreshSettings:
		a.mu.Lock()
		for k, v := range c.Settings {
			a.settings[k] = v
		}
		a.mu.Unlock()
		a.heartbeat(ctx, meta.ID)
	case *types.RestartAgent:
		a.heartbeat(ctx, meta.ID)
		a.logger.Warn().Str("reason", meta.Reason).Msg("Restart requested")
		return ErrRestartRequested
	}
	return nil
}

// Active returns the ids of streams with a live process, sorted
func (a *Agent) Active() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Setting returns a value pushed by REFRESH_SETTINGS
func (a *Agent) Setting(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.settings[key]
	return v, ok
}

func (a *Agent) startStream(ctx context.Context, c *types.StartStream) {
	id := c.StreamID

	a.mu.Lock()
	if r, ok := a.streams[id]; ok && !r.stopping {
		a.mu.Unlock()
		a.status(ctx, id, types.StreamStatusStreaming, "already running", r.proc.PID(), c.ID)
		return
	}
	a.mu.Unlock()

	proc, err := a.runner.Start(id, c.Stream)
	if err != nil {
		a.logger.Error().Err(err).Int64("stream_id", id).Msg("Failed to start stream")
		a.status(ctx, id, types.StreamStatusError, err.Error(), 0, c.ID)
		return
	}

	r := &running{proc: proc, spec: c.Stream}
	a.mu.Lock()
	a.streams[id] = r
	a.mu.Unlock()

	a.logger.Info().Int64("stream_id", id).Int("pid", proc.PID()).Msg("Stream started")
	a.status(ctx, id, types.StreamStatusStreaming, "", proc.PID(), c.ID)

	a.wg.Add(1)
	go a.watch(id, r)
}

func (a *Agent) stopStream(ctx context.Context, meta *types.CommandMeta, kill bool) {
	a.mu.Lock()
	r, ok := a.streams[meta.StreamID]
	if ok {
		r.stopping = true
		r.stopCmdID = meta.ID
	}
	a.mu.Unlock()

	if !ok {
		// Nothing to stop; the ack still has to reach the control plane
		a.status(ctx, meta.StreamID, types.StreamStatusStopped, "not running", 0, meta.ID)
		return
	}
	if kill {
		if err := r.proc.Kill(); err != nil {
			a.logger.Warn().Err(err).Int64("stream_id", meta.StreamID).Msg("Failed to kill stream process")
		}
		return
	}
	r.proc.Stop(a.cfg.StopGrace)
}

// watch reports how a stream process ended
func (a *Agent) watch(id int64, r *running) {
	defer a.wg.Done()
	<-r.proc.Done()

	a.mu.Lock()
	if a.streams[id] == r {
		delete(a.streams, id)
	}
	stopping, cmdID := r.stopping, r.stopCmdID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case stopping:
		a.status(ctx, id, types.StreamStatusStopped, "stopped", 0, cmdID)
	case r.proc.Err() == nil:
		a.status(ctx, id, types.StreamStatusCompleted, "playback finished", 0, "")
	default:
		a.logger.Error().Err(r.proc.Err()).Int64("stream_id", id).Msg("Stream process exited")
		a.status(ctx, id, types.StreamStatusError, fmt.Sprintf("ffmpeg exited: %v", r.proc.Err()), 0, "")
	}
}

// shutdown stops every stream process and waits up to the stop grace
func (a *Agent) shutdown() {
	a.mu.Lock()
	procs := make([]Process, 0, len(a.streams))
	for _, r := range a.streams {
		r.stopping = true
		procs = append(procs, r.proc)
	}
	a.mu.Unlock()

	for _, p := range procs {
		p.Stop(a.cfg.StopGrace)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx, "")
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) telemetryLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.TelemetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.SendTelemetry(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Telemetry failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendTelemetry samples the host and posts the result
func (a *Agent) SendTelemetry(ctx context.Context) error {
	if a.poster == nil {
		return errors.New("telemetry not configured")
	}
	u, err := a.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	return a.poster.Post(ctx, types.TelemetrySample{
		NodeID:        a.cfg.NodeID,
		CPUUsage:      u.CPU,
		RAMUsage:      u.RAM,
		DiskUsage:     u.Disk,
		ActiveStreams: len(a.Active()),
		ReceivedAt:    a.now(),
	})
}

func (a *Agent) heartbeat(ctx context.Context, commandID string) {
	a.publish(ctx, &types.Heartbeat{
		NodeID:        a.cfg.NodeID,
		ActiveStreams: a.Active(),
		AgentVersion:  a.version,
		CommandID:     commandID,
		Timestamp:     a.now(),
	})
}

func (a *Agent) status(ctx context.Context, streamID int64, status types.StreamStatus, msg string, pid int, commandID string) {
	a.publish(ctx, &types.StatusUpdate{
		StreamID:  streamID,
		NodeID:    a.cfg.NodeID,
		Status:    status,
		Message:   msg,
		ProcessID: pid,
		CommandID: commandID,
		Timestamp: a.now(),
	})
}

func (a *Agent) publish(ctx context.Context, report types.Report) {
	data, err := types.EncodeReport(report)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode report")
		return
	}
	n, err := a.bus.Publish(ctx, a.channels.Reports, data)
	switch {
	case err != nil:
		a.logger.Warn().Err(err).Str("type", string(report.Type())).Msg("Failed to publish report")
	case n == 0:
		a.logger.Warn().Str("type", string(report.Type())).Msg("No control plane listening for reports")
	}
}
