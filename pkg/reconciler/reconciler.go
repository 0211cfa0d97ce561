package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// ErrAgentOffline is returned by ReconcileFresh when no agent received the
// SYNC_STATE request
var ErrAgentOffline = errors.New("agent offline")

// ActionKind names what reconciliation did about one stream
type ActionKind string

const (
	ActionMarkedMissing ActionKind = "marked_missing"
	ActionSkippedRecent ActionKind = "skipped_recent_start"
	ActionForceKill     ActionKind = "force_kill"
	ActionStop          ActionKind = "stop"
	ActionReassigned    ActionKind = "reassigned"
	ActionDoubleRun     ActionKind = "stop_duplicate"
	ActionPending       ActionKind = "command_pending"
	ActionStopInFlight  ActionKind = "stop_in_flight"
)

// Action is one corrective step
type Action struct {
	StreamID int64      `json:"stream_id"`
	Kind     ActionKind `json:"kind"`
	Detail   string     `json:"detail,omitempty"`
}

// Result summarizes one node's reconciliation
type Result struct {
	NodeID   int64    `json:"node_id"`
	CacheHit bool     `json:"cache_hit"`
	Expected []int64  `json:"expected"`
	Actual   []int64  `json:"actual"`
	Missing  []int64  `json:"missing"`
	Orphaned []int64  `json:"orphaned"`
	Actions  []Action `json:"actions"`
}

// Correction is one node counter fixed by RecomputeCounters
type Correction struct {
	NodeID int64 `json:"node_id"`
	Was    int   `json:"was"`
	Now    int   `json:"now"`
}

// Reconciler compares what each agent reports against the stream table and
// drives the two back together
type Reconciler struct {
	store   storage.Store
	cache   statecache.Cache
	machine *lifecycle.Machine
	sender  dispatcher.Sender
	dedupe  lifecycle.Deduper
	events  events.Publisher
	cfg     config.ReconcilerConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. dedupe and pub may be nil.
func NewReconciler(store storage.Store, cache statecache.Cache, machine *lifecycle.Machine, sender dispatcher.Sender, dedupe lifecycle.Deduper, cfg config.ReconcilerConfig, pub events.Publisher) *Reconciler {
	if pub == nil {
		pub = events.Discard
	}
	return &Reconciler{
		store:   store,
		cache:   cache,
		machine: machine,
		sender:  sender,
		dedupe:  dedupe,
		events:  pub,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the loop and waits for an in-flight cycle
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// run is the main reconciliation loop
func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("Reconciler started")
	for {
		select {
		case <-ticker.C:
			r.cycle(ctx)
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// cycle performs one reconciliation of every node plus a counter recompute
func (r *Reconciler) cycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	if _, err := r.ReconcileAll(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Reconcile cycle failed")
	}
	if _, err := r.RecomputeCounters(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Counter recompute failed")
	}
}

// ReconcileAll reconciles every ACTIVE node. A failing node is logged and
// skipped; the error return is only for failing to list nodes.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]*Result, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var results []*Result
	for _, node := range nodes {
		if node.Status != types.NodeStatusActive {
			continue
		}
		res, err := r.Reconcile(ctx, node.ID)
		if err != nil {
			r.logger.Error().Err(err).Int64("node_id", node.ID).Msg("Failed to reconcile node")
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// ReconcileFresh asks the agent for a fresh heartbeat, waits up to the sync
// window for it to land and then reconciles.
func (r *Reconciler) ReconcileFresh(ctx context.Context, nodeID int64) (*Result, error) {
	delivered, err := r.sender.Send(ctx, nodeID, &types.SyncState{
		CommandMeta: types.CommandMeta{Reason: "reconcile"},
	})
	if err != nil {
		return nil, err
	}
	if delivered == 0 {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrAgentOffline)
	}

	deadline := time.NewTimer(r.cfg.SyncWait)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			r.logger.Warn().Int64("node_id", nodeID).Dur("sync_wait", r.cfg.SyncWait).
				Msg("No heartbeat after SYNC_STATE, reconciling without one")
			break wait
		case <-poll.C:
			_, found, err := r.cache.ActiveStreams(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			if found {
				break wait
			}
		}
	}

	return r.Reconcile(ctx, nodeID)
}

// Reconcile compares the streams assigned to nodeID with the streams its
// agent last reported. Expected streams the agent does not report go to
// ERROR; streams the agent runs but should not are stopped, killed or
// reassigned.
func (r *Reconciler) Reconcile(ctx context.Context, nodeID int64) (*Result, error) {
	logger := r.logger.With().Int64("node_id", nodeID).Logger()

	assigned, err := r.store.ListStreamsByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams of node %d: %w", nodeID, err)
	}
	actual, found, err := r.cache.ActiveStreams(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached state of node %d: %w", nodeID, err)
	}

	res := &Result{NodeID: nodeID, CacheHit: found, Actual: sortedCopy(actual)}
	byID := make(map[int64]*types.Stream, len(assigned))
	for _, st := range assigned {
		byID[st.ID] = st
		if st.Status.IsRunning() {
			res.Expected = append(res.Expected, st.ID)
		}
	}
	sort.Slice(res.Expected, func(i, j int) bool { return res.Expected[i] < res.Expected[j] })

	now := r.machine.Now()
	guard := r.machine.Thresholds().RecentStartGuard

	var peers map[int64][]int64
	for _, id := range res.Expected {
		if statecache.Contains(actual, id) {
			continue
		}
		st := byID[id]
		if st.LastStartedAt != nil && now.Sub(*st.LastStartedAt) < guard {
			res.add(id, ActionSkippedRecent, "started "+now.Sub(*st.LastStartedAt).Truncate(time.Second).String()+" ago")
			continue
		}

		if peers == nil {
			if peers, err = r.peerStreams(ctx, nodeID); err != nil {
				logger.Error().Err(err).Msg("Failed to read peer heartbeats")
				peers = map[int64][]int64{}
			}
		}
		if moved, err := r.followRunner(ctx, res, id, nodeID, peers); err != nil {
			logger.Error().Err(err).Int64("stream_id", id).Msg("Failed to reassign stream to the node running it")
		} else if moved {
			continue
		}

		msg := fmt.Sprintf("stream not running on node %d: missing from agent heartbeat", nodeID)
		if !found {
			msg = fmt.Sprintf("stream not running on node %d: no agent heartbeat", nodeID)
		}
		changed, err := r.machine.MarkMissing(ctx, id, nodeID, msg)
		if err != nil {
			logger.Error().Err(err).Int64("stream_id", id).Msg("Failed to mark stream missing")
			continue
		}
		if !changed {
			continue
		}
		res.Missing = append(res.Missing, id)
		res.add(id, ActionMarkedMissing, msg)
		r.events.Publish(&events.Event{
			Type:    events.EventStreamMissing,
			Message: fmt.Sprintf("stream %d missing on node %d", id, nodeID),
			Metadata: map[string]string{
				"stream_id": strconv.FormatInt(id, 10),
				"node_id":   strconv.FormatInt(nodeID, 10),
			},
		})
	}

	for _, id := range res.Actual {
		if st, ok := byID[id]; ok && st.Status.IsRunning() {
			continue
		}
		res.Orphaned = append(res.Orphaned, id)
		if err := r.resolveOrphan(ctx, res, nodeID, id); err != nil {
			logger.Error().Err(err).Int64("stream_id", id).Msg("Failed to resolve orphaned stream")
		}
	}

	for _, a := range res.Actions {
		metrics.ReconcileActions.WithLabelValues(string(a.Kind)).Inc()
	}
	if len(res.Actions) > 0 {
		logger.Info().
			Ints64("expected", res.Expected).
			Ints64("actual", res.Actual).
			Ints64("missing", res.Missing).
			Ints64("orphaned", res.Orphaned).
			Int("actions", len(res.Actions)).
			Msg("Node reconciled")
	}
	return res, nil
}

// peerStreams returns the cached active sets of every other ACTIVE node
func (r *Reconciler) peerStreams(ctx context.Context, nodeID int64) (map[int64][]int64, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	peers := make(map[int64][]int64)
	for _, n := range nodes {
		if n.ID == nodeID || n.Status != types.NodeStatusActive {
			continue
		}
		ids, found, err := r.cache.ActiveStreams(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if found {
			peers[n.ID] = ids
		}
	}
	return peers, nil
}

// followRunner moves a stream missing from its assigned node onto the one
// other node whose heartbeat lists it. It reports false when no single
// runner exists or the move did not happen.
func (r *Reconciler) followRunner(ctx context.Context, res *Result, streamID, nodeID int64, peers map[int64][]int64) (bool, error) {
	var runners []int64
	for peer, ids := range peers {
		if statecache.Contains(ids, streamID) {
			runners = append(runners, peer)
		}
	}
	if len(runners) != 1 {
		return false, nil
	}

	outcome, err := r.machine.ObserveRunning(ctx, streamID, runners[0], lifecycle.Observation{Source: lifecycle.SourceReconciler})
	if err != nil {
		return false, err
	}
	switch outcome {
	case lifecycle.OutcomeReassigned, lifecycle.OutcomePromoted:
		res.add(streamID, ActionReassigned, fmt.Sprintf("from node %d to node %d", nodeID, runners[0]))
		return true, nil
	case lifecycle.OutcomeUnchanged:
		return true, nil
	}
	return false, nil
}

func (r *Reconciler) resolveOrphan(ctx context.Context, res *Result, nodeID, streamID int64) error {
	st, err := r.store.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.command(ctx, res, nodeID, streamID, ActionForceKill, &types.ForceKillStream{
			CommandMeta: types.CommandMeta{StreamID: streamID, Reason: "stream no longer exists"},
		})
	}
	if err != nil {
		return err
	}

	switch {
	case st.Status == types.StreamStatusStopping && st.AssignedTo(nodeID):
		res.add(streamID, ActionStopInFlight, "")
		return nil

	case st.Status.IsRunning() && st.AssignedNodeID != nil && *st.AssignedNodeID != nodeID:
		// Tie-break between the two nodes
		outcome, err := r.machine.ObserveRunning(ctx, streamID, nodeID, lifecycle.Observation{Source: lifecycle.SourceReconciler})
		if err != nil {
			return err
		}
		switch outcome {
		case lifecycle.OutcomeReassigned:
			res.add(streamID, ActionReassigned, fmt.Sprintf("from node %d", *st.AssignedNodeID))
		case lifecycle.OutcomeDoubleRun:
			res.add(streamID, ActionDoubleRun, fmt.Sprintf("node %d owns it", *st.AssignedNodeID))
		}
		return nil
	}

	r.events.Publish(&events.Event{
		Type:    events.EventStreamOrphaned,
		Message: fmt.Sprintf("stream %d runs on node %d while %s", streamID, nodeID, st.Status),
		Metadata: map[string]string{
			"stream_id": strconv.FormatInt(streamID, 10),
			"node_id":   strconv.FormatInt(nodeID, 10),
			"status":    string(st.Status),
		},
	})
	return r.command(ctx, res, nodeID, streamID, ActionStop, &types.StopStream{
		CommandMeta: types.CommandMeta{StreamID: streamID, Reason: fmt.Sprintf("stream is %s", st.Status)},
	})
}

func (r *Reconciler) command(ctx context.Context, res *Result, nodeID, streamID int64, kind ActionKind, cmd types.Command) error {
	if r.dedupe != nil && r.dedupe.Pending(nodeID, streamID, cmd.Name()) {
		res.add(streamID, ActionPending, string(cmd.Name()))
		return nil
	}
	delivered, err := r.sender.Send(ctx, nodeID, cmd)
	if err != nil {
		return err
	}
	detail := string(cmd.Name())
	if delivered == 0 {
		detail += " (not delivered)"
	}
	res.add(streamID, kind, detail)
	return nil
}

// RecomputeCounters sets every node's CurrentStreams to the number of
// streams holding a slot on it
func (r *Reconciler) RecomputeCounters(ctx context.Context) ([]Correction, error) {
	var corrections []Correction

	err := r.store.Update(ctx, func(tx storage.Tx) error {
		streams, err := tx.ListStreams()
		if err != nil {
			return err
		}
		counts := make(map[int64]int)
		for _, st := range streams {
			if st.AssignedNodeID != nil && st.Status.OccupiesSlot() {
				counts[*st.AssignedNodeID]++
			}
		}

		nodes, err := tx.ListNodes()
		if err != nil {
			return err
		}
		for _, node := range nodes {
			want := counts[node.ID]
			if node.CurrentStreams == want {
				continue
			}
			corrections = append(corrections, Correction{NodeID: node.ID, Was: node.CurrentStreams, Now: want})
			node.CurrentStreams = want
			if err := tx.PutNode(node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recompute node counters: %w", err)
	}

	for _, c := range corrections {
		metrics.CounterCorrections.Inc()
		r.logger.Warn().
			Int64("node_id", c.NodeID).
			Int("was", c.Was).
			Int("now", c.Now).
			Msg("Corrected node stream counter")
		r.events.Publish(&events.Event{
			Type:    events.EventCounterCorrected,
			Message: fmt.Sprintf("node %d current_streams %d -> %d", c.NodeID, c.Was, c.Now),
			Metadata: map[string]string{
				"node_id": strconv.FormatInt(c.NodeID, 10),
				"was":     strconv.Itoa(c.Was),
				"now":     strconv.Itoa(c.Now),
			},
		})
	}
	return corrections, nil
}

func (res *Result) add(streamID int64, kind ActionKind, detail string) {
	res.Actions = append(res.Actions, Action{StreamID: streamID, Kind: kind, Detail: detail})
}

func sortedCopy(ids []int64) []int64 {
	out := append([]int64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
