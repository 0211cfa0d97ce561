package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// ErrNoNode is returned when no node can take a stream
var ErrNoNode = errors.New("no suitable node found")

// DecisionKind names what a pass did with one stream
type DecisionKind string

const (
	DecisionStarted  DecisionKind = "started"
	DecisionWaiting  DecisionKind = "waiting"
	DecisionStopped  DecisionKind = "stopped"
	DecisionDeferred DecisionKind = "deferred"
	DecisionNoNode   DecisionKind = "no_node"
	DecisionFailed   DecisionKind = "failed"
)

// Decision is the outcome of scheduling one stream
type Decision struct {
	StreamID int64        `json:"stream_id"`
	NodeID   int64        `json:"node_id,omitempty"`
	Kind     DecisionKind `json:"kind"`
	Detail   string       `json:"detail,omitempty"`
}

// Scheduler starts streams when their window opens or their content becomes
// ready, and stops them when the window closes
type Scheduler struct {
	store   storage.Store
	machine *lifecycle.Machine
	cfg     config.SchedulerConfig
	logger  zerolog.Logger

	mu     sync.Mutex // one pass at a time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(store storage.Store, machine *lifecycle.Machine, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:   store,
		machine: machine,
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler. It is safe to call before Start and more than
// once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Schedule(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduler pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Schedule performs one scheduling pass. Per-stream failures are recorded
// as decisions; the error return is only for failing to read the store.
func (s *Scheduler) Schedule(ctx context.Context) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	streams, err := s.store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	now := s.machine.Now()
	candidates := filterCandidates(nodes, now, s.machine.Thresholds().StaleHeartbeat)

	var decisions []Decision
	for _, st := range streams {
		var d *Decision
		switch {
		case windowEnded(st, now):
			d = s.stopEnded(ctx, st)
		case s.due(st, now):
			d = s.place(ctx, st, candidates, "scheduled start")
		case st.Status == types.StreamStatusWaitingForProcessing && st.ContentReady():
			d = s.place(ctx, st, candidates, "content ready")
		}
		if d == nil {
			continue
		}
		metrics.StreamsScheduled.WithLabelValues(string(d.Kind)).Inc()
		decisions = append(decisions, *d)
	}
	return decisions, nil
}

// StartNow starts one stream immediately. A zero nodeID lets the scheduler
// pick the node the same way a pass would.
func (s *Scheduler) StartNow(ctx context.Context, streamID, nodeID int64, reason string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return Decision{}, err
	}

	if nodeID == 0 {
		nodes, err := s.store.ListNodes(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to list nodes: %w", err)
		}
		candidates := filterCandidates(nodes, s.machine.Now(), s.machine.Thresholds().StaleHeartbeat)
		node := selectNode(candidates, st.RequiredCapabilities)
		if node == nil {
			return Decision{StreamID: streamID, Kind: DecisionNoNode}, ErrNoNode
		}
		nodeID = node.ID
	}

	d := Decision{StreamID: streamID, NodeID: nodeID, Kind: DecisionStarted}
	started, err := s.machine.Start(ctx, streamID, nodeID, reason)
	if err != nil {
		d.Kind = DecisionFailed
		d.Detail = err.Error()
		return d, err
	}
	if started.Status == types.StreamStatusWaitingForProcessing {
		d.Kind = DecisionWaiting
		d.NodeID = 0
	}
	metrics.StreamsScheduled.WithLabelValues(string(d.Kind)).Inc()
	return d, nil
}

// due reports whether an idle stream should be started now
func (s *Scheduler) due(st *types.Stream, now time.Time) bool {
	if st.ScheduledStart == nil || now.Before(*st.ScheduledStart) {
		return false
	}
	if st.ScheduledEnd != nil && !now.Before(*st.ScheduledEnd) {
		return false
	}

	switch st.Status {
	case types.StreamStatusInactive, types.StreamStatusStopped:
		// Once per window
		return st.LastStartedAt == nil || st.LastStartedAt.Before(*st.ScheduledStart)
	case types.StreamStatusError:
		if !s.cfg.RestartErrored {
			return false
		}
		since := st.LastStatusUpdate
		if since == nil {
			since = st.LastStartedAt
		}
		return since == nil || now.Sub(*since) >= s.cfg.RestartBackoff
	}
	return false
}

// windowEnded reports whether a stream is still active past its scheduled end
func windowEnded(st *types.Stream, now time.Time) bool {
	if st.ScheduledEnd == nil || now.Before(*st.ScheduledEnd) {
		return false
	}
	return st.Status.IsRunning() || st.Status == types.StreamStatusWaitingForProcessing
}

func (s *Scheduler) stopEnded(ctx context.Context, st *types.Stream) *Decision {
	d := &Decision{StreamID: st.ID, Kind: DecisionStopped}
	if st.AssignedNodeID != nil {
		d.NodeID = *st.AssignedNodeID
	}

	_, err := s.machine.RequestStop(ctx, st.ID, "scheduled end reached", lifecycle.StopOptions{GuardRecentStart: true})
	switch {
	case errors.Is(err, lifecycle.ErrRecentlyStarted):
		d.Kind = DecisionDeferred
		d.Detail = "recently started"
	case err != nil:
		d.Kind = DecisionFailed
		d.Detail = err.Error()
		s.logger.Warn().Err(err).Int64("stream_id", st.ID).Msg("Failed to stop stream at scheduled end")
	default:
		s.logger.Info().Int64("stream_id", st.ID).Msg("Stopped stream at scheduled end")
	}
	return d
}

// place picks a node for the stream and starts it there
func (s *Scheduler) place(ctx context.Context, st *types.Stream, candidates []*types.Node, reason string) *Decision {
	d := &Decision{StreamID: st.ID}

	node := selectNode(candidates, st.RequiredCapabilities)
	if node == nil {
		d.Kind = DecisionNoNode
		d.Detail = ErrNoNode.Error()
		s.logger.Warn().
			Int64("stream_id", st.ID).
			Strs("required_capabilities", st.RequiredCapabilities).
			Msg("No node available for stream")
		return d
	}
	d.NodeID = node.ID

	started, err := s.machine.Start(ctx, st.ID, node.ID, reason)
	if err != nil {
		d.Kind = DecisionFailed
		d.Detail = err.Error()
		s.logger.Warn().Err(err).Int64("stream_id", st.ID).Int64("node_id", node.ID).Msg("Failed to start stream")
		return d
	}
	if started.Status == types.StreamStatusWaitingForProcessing {
		d.Kind = DecisionWaiting
		d.NodeID = 0
		return d
	}

	// Later picks in this pass see the slot as taken
	node.CurrentStreams++
	d.Kind = DecisionStarted
	s.logger.Info().
		Int64("stream_id", st.ID).
		Int64("node_id", node.ID).
		Str("reason", reason).
		Msg("Started stream")
	return d
}

// selectNode returns the candidate with the fewest streams that carries every
// required capability, lower id first on ties
func selectNode(candidates []*types.Node, required []string) *types.Node {
	var selected *types.Node
	for _, node := range candidates {
		if node.CurrentStreams >= node.CapacityCeiling || !node.HasCapabilities(required) {
			continue
		}
		if selected == nil || node.CurrentStreams < selected.CurrentStreams ||
			(node.CurrentStreams == selected.CurrentStreams && node.ID < selected.ID) {
			selected = node
		}
	}
	return selected
}

// filterCandidates returns ACTIVE nodes with a heartbeat fresher than
// staleAfter, sorted by id. The returned nodes are copies.
func filterCandidates(nodes []*types.Node, now time.Time, staleAfter time.Duration) []*types.Node {
	var ready []*types.Node
	for _, node := range nodes {
		if node.Status != types.NodeStatusActive || node.LastHeartbeat == nil {
			continue
		}
		if now.Sub(*node.LastHeartbeat) >= staleAfter {
			continue
		}
		c := *node
		ready = append(ready, &c)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}
