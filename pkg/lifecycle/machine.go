package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

var (
	// ErrInvalidTransition is returned when the table forbids an action
	// from the stream's current status
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRecentlyStarted is returned by a guarded stop within the recent
	// start window
	ErrRecentlyStarted = errors.New("stream started too recently")
	// ErrNotDelivered is returned when a command reached no agent
	ErrNotDelivered = errors.New("command not delivered")
)

var (
	errSkip      = errors.New("skip")
	errUnchanged = errors.New("unchanged")
	errNotReady  = errors.New("content not ready")
)

// Source says where a running observation came from
type Source string

const (
	SourceHeartbeat    Source = "heartbeat"
	SourceStatusUpdate Source = "status_update"
	SourceReconciler   Source = "reconciler"
)

// Outcome describes what an observation did to the stream row
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomePromoted   Outcome = "promoted"
	OutcomeReassigned Outcome = "reassigned"
	OutcomeDoubleRun  Outcome = "double_run"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeIgnored    Outcome = "ignored"
)

// Observation is an agent's claim that it runs a stream
type Observation struct {
	Source Source
	// At is the report's own timestamp; zero when the agent sent none
	At        time.Time
	ProcessID int
}

// StopOptions tunes RequestStop
type StopOptions struct {
	// GuardRecentStart refuses to stop a stream started within the
	// recent start window
	GuardRecentStart bool
}

// Deduper reports whether an equivalent command is already in flight
type Deduper interface {
	Pending(nodeID, streamID int64, name types.CommandName) bool
}

// Machine applies every stream status change. Each transition re-reads the
// row inside a store transaction, checks the table and writes only if the
// current status is still an allowed source; node counters move in the
// same transaction.
type Machine struct {
	store  storage.Store
	cache  statecache.Cache
	sender dispatcher.Sender
	dedupe Deduper
	events events.Publisher
	th     config.Thresholds
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a state machine. pub may be nil.
func New(store storage.Store, cache statecache.Cache, sender dispatcher.Sender, th config.Thresholds, pub events.Publisher) *Machine {
	if pub == nil {
		pub = events.Discard
	}
	return &Machine{
		store:  store,
		cache:  cache,
		sender: sender,
		events: pub,
		th:     th,
		now:    time.Now,
		logger: log.WithComponent("lifecycle"),
	}
}

// SetDeduper suppresses duplicate STOP commands during conflict handling
func (m *Machine) SetDeduper(d Deduper) {
	m.dedupe = d
}

// SetClock replaces time.Now
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the machine's current time
func (m *Machine) Now() time.Time {
	return m.now()
}

// Thresholds returns the timing windows in use
func (m *Machine) Thresholds() config.Thresholds {
	return m.th
}

// Start assigns the stream to nodeID, moves it to STARTING and dispatches
// START_STREAM. A stream whose content is not ready goes to
// WAITING_FOR_PROCESSING instead. When no agent receives the command the
// stream goes to ERROR and releases the node.
func (m *Machine) Start(ctx context.Context, streamID, nodeID int64, reason string) (*types.Stream, error) {
	startedAt := m.now()

	_, st, err := m.apply(ctx, streamID, step{
		action: ActionStart,
		reason: reason,
		check: func(tx storage.Tx, st *types.Stream) error {
			if !st.ContentReady() {
				return errNotReady
			}
			if _, err := tx.GetNode(nodeID); err != nil {
				return err
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.AssignedNodeID = types.Int64(nodeID)
			st.LastStartedAt = types.Time(startedAt)
			st.ErrorMessage = ""
			st.StatusMessage = reason
			st.ProcessID = 0
		},
	})
	if errors.Is(err, errNotReady) {
		_, st, err = m.apply(ctx, streamID, step{
			action: ActionWait,
			reason: reason,
			mutate: func(st *types.Stream) {
				st.StatusMessage = "waiting for content processing"
			},
		})
		return st, err
	}
	if err != nil {
		return nil, err
	}

	cmd := &types.StartStream{
		CommandMeta: types.CommandMeta{StreamID: streamID, Reason: reason},
		Stream:      SpecFor(st),
	}
	delivered, sendErr := m.sender.Send(ctx, nodeID, cmd)
	if sendErr == nil && delivered > 0 {
		return st, nil
	}

	msg := fmt.Sprintf("agent offline: START_STREAM not delivered to node %d", nodeID)
	if sendErr != nil {
		msg = fmt.Sprintf("failed to dispatch START_STREAM to node %d: %v", nodeID, sendErr)
	}
	_, failed, err := m.apply(ctx, streamID, step{
		action: ActionFail,
		reason: msg,
		check: func(_ storage.Tx, cur *types.Stream) error {
			// Only undo our own start
			if cur.Status != types.StreamStatusStarting || !cur.AssignedTo(nodeID) ||
				cur.LastStartedAt == nil || !cur.LastStartedAt.Equal(startedAt) {
				return errSkip
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.ErrorMessage = msg
		},
	})
	if err != nil && !errors.Is(err, errSkip) {
		return st, err
	}
	if failed != nil {
		st = failed
	}
	return st, fmt.Errorf("%w: %s", ErrNotDelivered, msg)
}

// MarkContentReady flags one playback source as ready
func (m *Machine) MarkContentReady(ctx context.Context, streamID, contentID int64) (*types.Stream, error) {
	var out *types.Stream
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		st, err := tx.GetStream(streamID)
		if err != nil {
			return err
		}
		found := false
		for i := range st.Sources {
			if st.Sources[i].ID == contentID {
				st.Sources[i].Ready = true
				found = true
			}
		}
		if !found {
			return fmt.Errorf("content %d of stream %d: %w", contentID, streamID, storage.ErrNotFound)
		}
		out = st
		return tx.PutStream(st)
	})
	return out, err
}

// RequestStop moves a running stream to STOPPING and dispatches STOP_STREAM.
// A stream with nothing running remotely goes straight to INACTIVE. Stopping
// an already stopping or idle stream is a no-op.
func (m *Machine) RequestStop(ctx context.Context, streamID int64, reason string, opts StopOptions) (*types.Stream, error) {
	current, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case types.StreamStatusStopping, types.StreamStatusInactive,
		types.StreamStatusStopped, types.StreamStatusCompleted:
		return current, nil
	}

	stoppedAt := m.now()
	if current.AssignedNodeID == nil || !current.Status.IsRunning() {
		_, st, err := m.apply(ctx, streamID, step{
			action: ActionDeactivate,
			reason: reason,
			check: func(_ storage.Tx, cur *types.Stream) error {
				if cur.Status.IsRunning() && cur.AssignedNodeID != nil {
					return fmt.Errorf("%w: stream %d was assigned concurrently", ErrInvalidTransition, streamID)
				}
				return nil
			},
			mutate: func(st *types.Stream) {
				st.LastStoppedAt = types.Time(stoppedAt)
				st.StatusMessage = reason
			},
		})
		return st, err
	}

	var nodeID int64
	_, st, err := m.apply(ctx, streamID, step{
		action: ActionStop,
		reason: reason,
		check: func(_ storage.Tx, cur *types.Stream) error {
			if cur.AssignedNodeID == nil {
				return fmt.Errorf("%w: stream %d has no node", ErrInvalidTransition, streamID)
			}
			if opts.GuardRecentStart && cur.LastStartedAt != nil &&
				stoppedAt.Sub(*cur.LastStartedAt) < m.th.RecentStartGuard {
				return fmt.Errorf("%w: stream %d started at %s", ErrRecentlyStarted, streamID, cur.LastStartedAt.Format(time.RFC3339))
			}
			nodeID = *cur.AssignedNodeID
			return nil
		},
		mutate: func(st *types.Stream) {
			st.LastStoppedAt = types.Time(stoppedAt)
			st.StatusMessage = reason
		},
	})
	if err != nil {
		return nil, err
	}

	delivered, err := m.sender.Send(ctx, nodeID, &types.StopStream{
		CommandMeta: types.CommandMeta{StreamID: streamID, Reason: reason},
	})
	if err != nil {
		return st, fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	if delivered == 0 {
		// The stop timeout frees the slot
		m.logger.Warn().
			Int64("stream_id", streamID).
			Int64("node_id", nodeID).
			Dur("stop_timeout", m.th.StopTimeout).
			Msg("STOP_STREAM not delivered, stream stays STOPPING until timeout")
	}
	return st, nil
}

// ObserveRunning handles an agent's claim that nodeID runs the stream. The
// stream is promoted to STREAMING on that node unless another node already
// owns it and that node's own heartbeat still lists it, in which case the
// reporter is told to stop.
func (m *Machine) ObserveRunning(ctx context.Context, streamID, nodeID int64, obs Observation) (Outcome, error) {
	current, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return OutcomeIgnored, err
	}

	var owner int64
	ownerRuns := false
	if current.AssignedNodeID != nil && *current.AssignedNodeID != nodeID {
		owner = *current.AssignedNodeID
		ids, _, err := m.cache.ActiveStreams(ctx, owner)
		if err != nil {
			return OutcomeIgnored, err
		}
		ownerRuns = statecache.Contains(ids, streamID)
	}

	if ownerRuns {
		return m.resolveDoubleRun(ctx, current, owner, nodeID)
	}

	outcome := OutcomePromoted
	before, _, err := m.apply(ctx, streamID, step{
		action:   ActionPromote,
		reportAt: obs.At,
		reason:   fmt.Sprintf("node %d reports stream running (%s)", nodeID, obs.Source),
		check: func(_ storage.Tx, cur *types.Stream) error {
			if staleReport(cur, obs.At) {
				return errSkip
			}
			if cur.Status == types.StreamStatusStopping {
				// A heartbeat listing a stopping stream is the stop in flight
				if obs.Source != SourceStatusUpdate || obs.At.IsZero() ||
					cur.LastStoppedAt == nil || obs.At.Unix() < cur.LastStoppedAt.Unix() {
					return errSkip
				}
			}
			if cur.AssignedNodeID != nil && *cur.AssignedNodeID != nodeID {
				if *cur.AssignedNodeID != owner {
					return errSkip
				}
				outcome = OutcomeReassigned
			}
			if cur.Status == types.StreamStatusStreaming && cur.AssignedTo(nodeID) &&
				cur.ErrorMessage == "" && (obs.ProcessID == 0 || obs.ProcessID == cur.ProcessID) {
				return errUnchanged
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.AssignedNodeID = types.Int64(nodeID)
			st.ErrorMessage = ""
			st.StatusMessage = ""
			if obs.ProcessID > 0 {
				st.ProcessID = obs.ProcessID
			}
		},
	})
	if err != nil {
		return outcomeOf(err)
	}

	if outcome == OutcomeReassigned {
		metrics.Conflicts.Inc()
		m.logger.Warn().
			Int64("stream_id", streamID).
			Int64("assigned_node", owner).
			Int64("reporting_node", nodeID).
			Str("previous_status", string(before.Status)).
			Msg("Stream reported by a node it is not assigned to, reassigning to reporter")
		m.events.Publish(&events.Event{
			Type:    events.EventStreamConflict,
			Message: fmt.Sprintf("stream %d reassigned from node %d to node %d", streamID, owner, nodeID),
			Metadata: map[string]string{
				"stream_id":  strconv.FormatInt(streamID, 10),
				"from_node":  strconv.FormatInt(owner, 10),
				"to_node":    strconv.FormatInt(nodeID, 10),
				"resolution": "reassigned",
			},
		})
	}
	return outcome, nil
}

func (m *Machine) resolveDoubleRun(ctx context.Context, st *types.Stream, owner, reporter int64) (Outcome, error) {
	metrics.Conflicts.Inc()
	m.logger.Warn().
		Int64("stream_id", st.ID).
		Int64("assigned_node", owner).
		Int64("reporting_node", reporter).
		Msg("Stream running on two nodes, stopping the unassigned copy")
	m.events.Publish(&events.Event{
		Type:    events.EventStreamConflict,
		Message: fmt.Sprintf("stream %d runs on node %d and node %d", st.ID, owner, reporter),
		Metadata: map[string]string{
			"stream_id":  strconv.FormatInt(st.ID, 10),
			"owner_node": strconv.FormatInt(owner, 10),
			"rogue_node": strconv.FormatInt(reporter, 10),
			"resolution": "stop_duplicate",
		},
	})

	if m.dedupe != nil && m.dedupe.Pending(reporter, st.ID, types.CommandStopStream) {
		return OutcomeDoubleRun, nil
	}
	_, err := m.sender.Send(ctx, reporter, &types.StopStream{
		CommandMeta: types.CommandMeta{
			StreamID: st.ID,
			Reason:   fmt.Sprintf("stream %d is assigned to node %d", st.ID, owner),
		},
	})
	return OutcomeDoubleRun, err
}

// ApplyStatus applies a STATUS_UPDATE report. Reports older than the last
// applied report are dropped, and terminal statuses only count when they
// come from the assigned node.
func (m *Machine) ApplyStatus(ctx context.Context, upd *types.StatusUpdate) (Outcome, error) {
	switch upd.Status {
	case types.StreamStatusStreaming:
		return m.ObserveRunning(ctx, upd.StreamID, upd.NodeID, Observation{
			Source:    SourceStatusUpdate,
			At:        upd.Timestamp,
			ProcessID: upd.ProcessID,
		})

	case types.StreamStatusStarting:
		_, _, err := m.apply(ctx, upd.StreamID, step{
			action:   ActionProgress,
			reportAt: upd.Timestamp,
			check: func(_ storage.Tx, cur *types.Stream) error {
				if !cur.AssignedTo(upd.NodeID) || staleReport(cur, upd.Timestamp) {
					return errSkip
				}
				return nil
			},
			mutate: func(st *types.Stream) {
				st.StatusMessage = upd.Message
				if upd.ProcessID > 0 {
					st.ProcessID = upd.ProcessID
				}
			},
		})
		if err != nil {
			return outcomeOf(err)
		}
		return OutcomeApplied, nil

	case types.StreamStatusStopped:
		return m.finish(ctx, upd, ActionStopped)
	case types.StreamStatusCompleted:
		return m.finish(ctx, upd, ActionCompleted)
	case types.StreamStatusError:
		return m.finish(ctx, upd, ActionFail)
	}

	// INACTIVE, WAITING_FOR_PROCESSING and STOPPING are control plane states
	return OutcomeIgnored, nil
}

func (m *Machine) finish(ctx context.Context, upd *types.StatusUpdate, action Action) (Outcome, error) {
	stoppedAt := m.now()
	_, _, err := m.apply(ctx, upd.StreamID, step{
		action:   action,
		reportAt: upd.Timestamp,
		reason:   fmt.Sprintf("node %d reports %s", upd.NodeID, upd.Status),
		check: func(_ storage.Tx, cur *types.Stream) error {
			if !cur.AssignedTo(upd.NodeID) {
				m.logger.Info().
					Int64("stream_id", upd.StreamID).
					Int64("reporting_node", upd.NodeID).
					Str("status", string(upd.Status)).
					Msg("Ignoring terminal report from a node that does not own the stream")
				return errSkip
			}
			if staleReport(cur, upd.Timestamp) {
				return errSkip
			}
			// A report about the previous run
			if !upd.Timestamp.IsZero() && cur.LastStartedAt != nil &&
				upd.Timestamp.Unix() < cur.LastStartedAt.Unix() {
				return errSkip
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.LastStoppedAt = types.Time(stoppedAt)
			st.StatusMessage = upd.Message
			st.ProcessID = 0
			if action == ActionFail {
				st.ErrorMessage = upd.Message
				if st.ErrorMessage == "" {
					st.ErrorMessage = "agent reported an error"
				}
			} else {
				st.ErrorMessage = ""
			}
		},
	})
	if err != nil {
		return outcomeOf(err)
	}
	return OutcomeApplied, nil
}

// MarkMissing moves a stream the node should run but does not report to
// ERROR and releases the node. It returns false when the stream is no
// longer running on nodeID.
func (m *Machine) MarkMissing(ctx context.Context, streamID, nodeID int64, msg string) (bool, error) {
	_, _, err := m.apply(ctx, streamID, step{
		action: ActionFail,
		reason: msg,
		check: func(_ storage.Tx, cur *types.Stream) error {
			if !cur.Status.IsRunning() || !cur.AssignedTo(nodeID) {
				return errSkip
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.ErrorMessage = msg
			st.ProcessID = 0
		},
	})
	return changed(err)
}

// ExpireStopping force-moves a stream stuck in STOPPING past the stop
// timeout to INACTIVE and frees its node slot.
func (m *Machine) ExpireStopping(ctx context.Context, streamID int64) (bool, error) {
	now := m.now()
	msg := fmt.Sprintf("force-stopped: agent did not confirm stop within %s", m.th.StopTimeout)
	_, _, err := m.apply(ctx, streamID, step{
		action: ActionForceStop,
		reason: msg,
		check: func(_ storage.Tx, cur *types.Stream) error {
			if cur.LastStoppedAt != nil && now.Sub(*cur.LastStoppedAt) < m.th.StopTimeout {
				return errSkip
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.LastStoppedAt = types.Time(now)
			st.ErrorMessage = msg
			st.ProcessID = 0
		},
	})
	return changed(err)
}

// ExpireStarting moves a stream stuck in STARTING past the start timeout to
// ERROR. If the assigned node's heartbeat lists the stream it is promoted
// instead.
func (m *Machine) ExpireStarting(ctx context.Context, streamID int64) (bool, error) {
	current, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return false, err
	}
	if current.Status != types.StreamStatusStarting {
		return false, nil
	}
	if current.AssignedNodeID != nil {
		ids, _, err := m.cache.ActiveStreams(ctx, *current.AssignedNodeID)
		if err != nil {
			return false, err
		}
		if statecache.Contains(ids, streamID) {
			_, err := m.ObserveRunning(ctx, streamID, *current.AssignedNodeID, Observation{Source: SourceHeartbeat})
			return false, err
		}
	}

	now := m.now()
	msg := fmt.Sprintf("start timed out: no heartbeat confirmed the stream within %s", m.th.StartTimeout)
	_, _, err = m.apply(ctx, streamID, step{
		action: ActionFail,
		reason: msg,
		check: func(_ storage.Tx, cur *types.Stream) error {
			if cur.Status != types.StreamStatusStarting {
				return errSkip
			}
			if cur.LastStartedAt != nil && now.Sub(*cur.LastStartedAt) < m.th.StartTimeout {
				return errSkip
			}
			return nil
		},
		mutate: func(st *types.Stream) {
			st.ErrorMessage = msg
			st.ProcessID = 0
		},
	})
	return changed(err)
}

// SpecFor builds the START_STREAM payload for a stream
func SpecFor(st *types.Stream) types.StreamSpec {
	sources := make([]string, 0, len(st.Sources))
	for _, src := range st.Sources {
		sources = append(sources, src.URL)
	}
	return types.StreamSpec{
		Title:     st.Title,
		Sources:   sources,
		RTMPURL:   st.RTMPURL,
		StreamKey: st.StreamKey,
		Loop:      st.Loop,
	}
}

type step struct {
	action Action
	// reportAt is the agent timestamp of the report driving the step
	reportAt time.Time
	reason   string
	check    func(tx storage.Tx, cur *types.Stream) error
	mutate   func(st *types.Stream)
}

// apply runs one guarded transition and returns the row before and after
func (m *Machine) apply(ctx context.Context, streamID int64, s step) (*types.Stream, *types.Stream, error) {
	t := Table[s.action]
	var before, after *types.Stream

	err := m.store.Update(ctx, func(tx storage.Tx) error {
		st, err := tx.GetStream(streamID)
		if err != nil {
			return err
		}
		if !Allowed(s.action, st.Status) {
			return fmt.Errorf("%w: %s from %s (stream %d)", ErrInvalidTransition, s.action, st.Status, streamID)
		}
		if s.check != nil {
			if err := s.check(tx, st); err != nil {
				return err
			}
		}

		before = st.Clone()
		st.Status = t.To
		if t.Release {
			st.AssignedNodeID = nil
		}
		if s.mutate != nil {
			s.mutate(st)
		}
		st.LastStatusUpdate = types.Time(m.now())
		if !s.reportAt.IsZero() {
			st.LastReportAt = types.Time(s.reportAt)
		}

		if err := moveSlot(tx, before, st); err != nil {
			return err
		}
		after = st
		return tx.PutStream(st)
	})
	if err != nil {
		return nil, nil, err
	}

	m.record(before, after, s)
	return before, after, nil
}

func (m *Machine) record(before, after *types.Stream, s step) {
	metrics.Transitions.WithLabelValues(string(before.Status), string(after.Status)).Inc()

	statusChanged := before.Status != after.Status
	nodeChanged := nodeOf(before) != nodeOf(after)
	if !statusChanged && !nodeChanged {
		return
	}

	m.logger.Info().
		Int64("stream_id", after.ID).
		Str("action", string(s.action)).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Str("from_node", nodeOf(before)).
		Str("to_node", nodeOf(after)).
		Str("reason", s.reason).
		Msg("Stream transition")

	m.events.Publish(&events.Event{
		Type:    events.EventStreamTransition,
		Message: fmt.Sprintf("stream %d %s -> %s: %s", after.ID, before.Status, after.Status, s.reason),
		Metadata: map[string]string{
			"stream_id": strconv.FormatInt(after.ID, 10),
			"action":    string(s.action),
			"from":      string(before.Status),
			"to":        string(after.Status),
			"from_node": nodeOf(before),
			"to_node":   nodeOf(after),
		},
	})
}

// moveSlot keeps CurrentStreams in step with slot-holding assignments
func moveSlot(tx storage.Tx, before, after *types.Stream) error {
	oldNode, oldHeld := slot(before)
	newNode, newHeld := slot(after)
	if oldHeld == newHeld && oldNode == newNode {
		return nil
	}
	if oldHeld {
		if err := adjustCounter(tx, oldNode, -1); err != nil {
			return err
		}
	}
	if newHeld {
		if err := adjustCounter(tx, newNode, 1); err != nil {
			return err
		}
	}
	return nil
}

func slot(st *types.Stream) (int64, bool) {
	if st.AssignedNodeID == nil || !st.Status.OccupiesSlot() {
		return 0, false
	}
	return *st.AssignedNodeID, true
}

func adjustCounter(tx storage.Tx, nodeID int64, delta int) error {
	node, err := tx.GetNode(nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	node.CurrentStreams += delta
	if node.CurrentStreams < 0 {
		node.CurrentStreams = 0
	}
	return tx.PutNode(node)
}

func nodeOf(st *types.Stream) string {
	if st.AssignedNodeID == nil {
		return ""
	}
	return strconv.FormatInt(*st.AssignedNodeID, 10)
}

// staleReport compares at second resolution, the precision of the wire format
func staleReport(st *types.Stream, at time.Time) bool {
	return !at.IsZero() && st.LastReportAt != nil && at.Unix() < st.LastReportAt.Unix()
}

func outcomeOf(err error) (Outcome, error) {
	switch {
	case errors.Is(err, errUnchanged):
		return OutcomeUnchanged, nil
	case errors.Is(err, errSkip), errors.Is(err, ErrInvalidTransition):
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, err
	}
}

func changed(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSkip), errors.Is(err, ErrInvalidTransition):
		return false, nil
	default:
		return false, err
	}
}
