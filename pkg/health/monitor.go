package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// IssueKind classifies a divergence found by a sweep
type IssueKind string

const (
	IssueGhost          IssueKind = "ghost"
	IssueMissing        IssueKind = "missing"
	IssueStuckStarting  IssueKind = "stuck_starting"
	IssueStuckStopping  IssueKind = "stuck_stopping"
	IssueStaleHeartbeat IssueKind = "stale_heartbeat"
	IssueDelayedAck     IssueKind = "delayed_ack"
	IssueOutdatedAgent  IssueKind = "outdated_agent"
	IssueCounterDrift   IssueKind = "counter_drift"
)

// AllIssueKinds lists every kind a sweep can report
var AllIssueKinds = []IssueKind{
	IssueGhost, IssueMissing, IssueStuckStarting, IssueStuckStopping,
	IssueStaleHeartbeat, IssueDelayedAck, IssueOutdatedAgent, IssueCounterDrift,
}

// Level is an agent's heartbeat health
type Level string

const (
	LevelGood    Level = "GOOD"
	LevelWarning Level = "WARNING"
	LevelBad     Level = "BAD"
)

// Issue is one divergence. Fix is nil when nothing can be done about it.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	StreamID int64     `json:"stream_id,omitempty"`
	NodeID   int64     `json:"node_id,omitempty"`
	Observed string    `json:"observed"`
	Expected string    `json:"expected"`
	Fixed    bool      `json:"fixed"`
	FixError string    `json:"fix_error,omitempty"`

	Fix func(ctx context.Context) error `json:"-"`
	// always marks the timeout escape hatches, fixed even without AutoFix
	always bool
}

// NodeHealth is the heartbeat health of one node
type NodeHealth struct {
	NodeID        int64      `json:"node_id"`
	Level         Level      `json:"level"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	AgentVersion  string     `json:"agent_version,omitempty"`
}

// Report is the result of one sweep
type Report struct {
	CheckedAt time.Time    `json:"checked_at"`
	AutoFix   bool         `json:"auto_fix"`
	Nodes     []NodeHealth `json:"nodes"`
	Issues    []*Issue     `json:"issues"`
	Fixed     int          `json:"fixed"`
	Failed    int          `json:"failed"`
}

// Count returns the number of issues of kind
func (r *Report) Count(kind IssueKind) int {
	n := 0
	for _, is := range r.Issues {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

// SweepOptions tunes a sweep
type SweepOptions struct {
	AutoFix bool
}

// AgentRestarter restarts an agent out of band, over SSH
type AgentRestarter interface {
	RestartAgent(ctx context.Context, nodeID int64) error
}

// CounterFixer recomputes node stream counters
type CounterFixer interface {
	RecomputeCounters(ctx context.Context) ([]reconciler.Correction, error)
}

// ProbeFunc checks whether a node's host is reachable
type ProbeFunc func(ctx context.Context, node *types.Node) Result

// Monitor detects divergences between the stream table, the agents and the
// command log, and optionally repairs them
type Monitor struct {
	store     storage.Store
	cache     statecache.Cache
	machine   *lifecycle.Machine
	sender    dispatcher.Sender
	tracker   *dispatcher.Tracker
	counters  CounterFixer
	restarter AgentRestarter
	probe     ProbeFunc
	events    events.Publisher
	cfg       config.HealthConfig
	probeCfg  Config
	logger    zerolog.Logger

	mu       sync.Mutex
	statuses map[int64]*Status
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor. tracker, counters and pub may be nil.
func NewMonitor(store storage.Store, cache statecache.Cache, machine *lifecycle.Machine, sender dispatcher.Sender, tracker *dispatcher.Tracker, counters CounterFixer, cfg config.HealthConfig, pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	probeCfg := DefaultConfig()
	if cfg.ProbeTimeout > 0 {
		probeCfg.Timeout = cfg.ProbeTimeout
	}

	m := &Monitor{
		store:    store,
		cache:    cache,
		machine:  machine,
		sender:   sender,
		tracker:  tracker,
		counters: counters,
		events:   pub,
		cfg:      cfg,
		probeCfg: probeCfg,
		logger:   log.WithComponent("health"),
		statuses: make(map[int64]*Status),
	}
	m.probe = func(ctx context.Context, node *types.Node) Result {
		return NewTCPChecker(NodeAddress(node)).WithTimeout(m.probeCfg.Timeout).Check(ctx)
	}
	return m
}

// SetRestarter enables the SSH fallback when RESTART_AGENT reaches nobody
func (m *Monitor) SetRestarter(r AgentRestarter) {
	m.restarter = r
}

// SetProbe replaces the TCP probe
func (m *Monitor) SetProbe(p ProbeFunc) {
	m.probe = p
}

// AgentHealth grades a node by the age of its last heartbeat
func (m *Monitor) AgentHealth(node *types.Node, now time.Time) Level {
	return Classify(node.LastHeartbeat, now, m.machine.Thresholds())
}

// Classify grades a heartbeat time: never or older than StaleHeartbeat is
// BAD, older than HeartbeatWarning is WARNING
func Classify(last *time.Time, now time.Time, th config.Thresholds) Level {
	if last == nil {
		return LevelBad
	}
	age := now.Sub(*last)
	switch {
	case age > th.StaleHeartbeat:
		return LevelBad
	case age > th.HeartbeatWarning:
		return LevelWarning
	default:
		return LevelGood
	}
}

// Start runs a sweep every interval with the configured AutoFix
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Info().Dur("interval", interval).Bool("auto_fix", m.cfg.AutoFix).Msg("Health monitor started")
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sweep(ctx, SweepOptions{AutoFix: m.cfg.AutoFix}); err != nil {
					m.logger.Error().Err(err).Msg("Health sweep failed")
				}
			case <-ctx.Done():
				m.logger.Info().Msg("Health monitor stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic sweep
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Sweep classifies every divergence it can see. Fixes run only with
// AutoFix, except the STARTING and STOPPING timeouts which always apply.
func (m *Monitor) Sweep(ctx context.Context, opts SweepOptions) (*Report, error) {
	now := m.machine.Now()
	report := &Report{CheckedAt: now, AutoFix: opts.AutoFix}

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	streams, err := m.store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}

	byID := make(map[int64]*types.Stream, len(streams))
	slots := make(map[int64]int)
	for _, st := range streams {
		byID[st.ID] = st
		if st.AssignedNodeID != nil && st.Status.OccupiesSlot() {
			slots[*st.AssignedNodeID]++
		}
	}

	counterDrift := false
	for _, node := range nodes {
		if node.CurrentStreams != slots[node.ID] {
			counterDrift = true
			report.add(&Issue{
				Kind:     IssueCounterDrift,
				NodeID:   node.ID,
				Observed: fmt.Sprintf("current_streams=%d", node.CurrentStreams),
				Expected: fmt.Sprintf("current_streams=%d", slots[node.ID]),
				Fix:      m.fixCounters(),
			})
		}

		if node.Status != types.NodeStatusActive {
			continue
		}

		level := m.AgentHealth(node, now)
		report.Nodes = append(report.Nodes, NodeHealth{
			NodeID:        node.ID,
			Level:         level,
			LastHeartbeat: node.LastHeartbeat,
			AgentVersion:  node.AgentVersion,
		})

		if level == LevelBad {
			report.add(m.staleNode(ctx, node, now))
			continue
		}

		if is := m.versionIssue(node); is != nil {
			report.add(is)
		}

		actual, found, err := m.cache.ActiveStreams(ctx, node.ID)
		if err != nil {
			m.logger.Warn().Err(err).Int64("node_id", node.ID).Msg("Failed to read cached agent state")
			continue
		}
		if found {
			m.streamIssues(report, node.ID, actual, streams, byID, now)
		}
	}
	if counterDrift {
		m.dedupeCounterFix(report)
	}

	th := m.machine.Thresholds()
	for _, st := range streams {
		switch st.Status {
		case types.StreamStatusStarting:
			if st.LastStartedAt != nil && now.Sub(*st.LastStartedAt) >= th.StartTimeout {
				id := st.ID
				report.add(&Issue{
					Kind:     IssueStuckStarting,
					StreamID: id,
					NodeID:   nodeOf(st),
					Observed: fmt.Sprintf("STARTING since %s", st.LastStartedAt.Format(time.RFC3339)),
					Expected: fmt.Sprintf("STREAMING or ERROR within %s", th.StartTimeout),
					Fix: func(ctx context.Context) error {
						_, err := m.machine.ExpireStarting(ctx, id)
						return err
					},
					always: true,
				})
			}
		case types.StreamStatusStopping:
			if st.LastStoppedAt == nil || now.Sub(*st.LastStoppedAt) >= th.StopTimeout {
				id := st.ID
				report.add(&Issue{
					Kind:     IssueStuckStopping,
					StreamID: id,
					NodeID:   nodeOf(st),
					Observed: "STOPPING without agent confirmation",
					Expected: fmt.Sprintf("STOPPED within %s", th.StopTimeout),
					Fix: func(ctx context.Context) error {
						_, err := m.machine.ExpireStopping(ctx, id)
						return err
					},
					always: true,
				})
			}
		}
	}

	if m.tracker != nil {
		for _, rec := range m.tracker.Stale(now) {
			report.add(m.delayedAck(rec))
		}
	}

	m.applyFixes(ctx, report, opts)

	metrics.HealthIssues.Reset()
	for _, kind := range AllIssueKinds {
		metrics.HealthIssues.WithLabelValues(string(kind)).Set(float64(report.Count(kind)))
	}

	m.logger.Info().
		Int("issues", len(report.Issues)).
		Int("fixed", report.Fixed).
		Int("failed", report.Failed).
		Bool("auto_fix", opts.AutoFix).
		Msg("Health sweep completed")
	return report, nil
}

// streamIssues compares one node's heartbeat with the stream table
func (m *Monitor) streamIssues(report *Report, nodeID int64, actual []int64, streams []*types.Stream, byID map[int64]*types.Stream, now time.Time) {
	guard := m.machine.Thresholds().RecentStartGuard

	for _, st := range streams {
		if st.Status != types.StreamStatusStreaming || !st.AssignedTo(nodeID) || statecache.Contains(actual, st.ID) {
			continue
		}
		if st.LastStartedAt != nil && now.Sub(*st.LastStartedAt) < guard {
			continue
		}
		id := st.ID
		msg := fmt.Sprintf("stream not running on node %d: missing from agent heartbeat", nodeID)
		report.add(&Issue{
			Kind:     IssueMissing,
			StreamID: id,
			NodeID:   nodeID,
			Observed: "not in heartbeat",
			Expected: "STREAMING",
			Fix: func(ctx context.Context) error {
				_, err := m.machine.MarkMissing(ctx, id, nodeID, msg)
				return err
			},
		})
	}

	for _, id := range actual {
		st, ok := byID[id]
		if ok && st.Status.OccupiesSlot() {
			// Running here, or a conflict the lifecycle resolves
			continue
		}

		streamID := id
		var cmd types.Command
		observed := "running, no stream row"
		if ok {
			observed = fmt.Sprintf("running while %s", st.Status)
			cmd = &types.StopStream{CommandMeta: types.CommandMeta{StreamID: streamID, Reason: "ghost stream"}}
		} else {
			cmd = &types.ForceKillStream{CommandMeta: types.CommandMeta{StreamID: streamID, Reason: "ghost stream"}}
		}
		report.add(&Issue{
			Kind:     IssueGhost,
			StreamID: streamID,
			NodeID:   nodeID,
			Observed: observed,
			Expected: "not running",
			Fix: func(ctx context.Context) error {
				if m.tracker != nil && m.tracker.Pending(nodeID, streamID, cmd.Name()) {
					return nil
				}
				_, err := m.sender.Send(ctx, nodeID, cmd)
				return err
			},
		})
	}
}

func (m *Monitor) staleNode(ctx context.Context, node *types.Node, now time.Time) *Issue {
	result := m.probe(ctx, node)

	m.mu.Lock()
	status, ok := m.statuses[node.ID]
	if !ok {
		status = NewStatus()
		m.statuses[node.ID] = status
	}
	status.Update(result, m.probeCfg)
	reachable := status.Reachable
	failures := status.ConsecutiveFailures
	m.mu.Unlock()

	observed := "never sent a heartbeat"
	if node.LastHeartbeat != nil {
		observed = fmt.Sprintf("last heartbeat %s ago", now.Sub(*node.LastHeartbeat).Truncate(time.Second))
	}
	nodeID := node.ID
	issue := &Issue{
		Kind:     IssueStaleHeartbeat,
		NodeID:   nodeID,
		Observed: observed + "; " + result.Message,
		Expected: fmt.Sprintf("heartbeat within %s", m.machine.Thresholds().StaleHeartbeat),
	}

	if reachable {
		issue.Fix = func(ctx context.Context) error { return m.restartAgent(ctx, nodeID, "stale heartbeat") }
		return issue
	}

	message := fmt.Sprintf("host unreachable after %d probes: %s", failures, result.Message)
	issue.Fix = func(ctx context.Context) error {
		return m.store.Update(ctx, func(tx storage.Tx) error {
			n, err := tx.GetNode(nodeID)
			if err != nil {
				return err
			}
			n.Status = types.NodeStatusFailed
			n.StatusMessage = message
			return tx.PutNode(n)
		})
	}
	return issue
}

func (m *Monitor) versionIssue(node *types.Node) *Issue {
	if m.cfg.MinAgentVersion == "" {
		return nil
	}
	floor, err := semver.NewVersion(m.cfg.MinAgentVersion)
	if err != nil {
		m.logger.Warn().Err(err).Str("min_agent_version", m.cfg.MinAgentVersion).Msg("Invalid minimum agent version")
		return nil
	}

	observed := node.AgentVersion
	if observed != "" {
		v, err := semver.NewVersion(observed)
		if err == nil && !v.LessThan(floor) {
			return nil
		}
	} else {
		observed = "unknown"
	}

	nodeID := node.ID
	return &Issue{
		Kind:     IssueOutdatedAgent,
		NodeID:   nodeID,
		Observed: "agent " + observed,
		Expected: ">= " + floor.String(),
		Fix: func(ctx context.Context) error {
			return m.restartAgent(ctx, nodeID, "agent older than "+floor.String())
		},
	}
}

func (m *Monitor) delayedAck(rec dispatcher.Record) *Issue {
	issue := &Issue{
		Kind:     IssueDelayedAck,
		StreamID: rec.StreamID,
		NodeID:   rec.NodeID,
		Observed: fmt.Sprintf("%s %s unacknowledged since %s", rec.Name, rec.ID, rec.SentAt.Format(time.RFC3339)),
		Expected: fmt.Sprintf("ack within %s", m.tracker.AckTimeout()),
	}
	if rec.Reissued || rec.Command == nil {
		return issue
	}

	issue.Fix = func(ctx context.Context) error {
		cmd, err := reissue(rec.Command)
		if err != nil {
			return err
		}
		m.tracker.MarkReissued(rec.ID)
		if _, err := m.sender.Send(ctx, rec.NodeID, cmd); err != nil {
			return err
		}
		// The copy is never reissued again
		m.tracker.MarkReissued(cmd.Meta().ID)
		return nil
	}
	return issue
}

// reissue copies a command with a fresh id
func reissue(cmd types.Command) (types.Command, error) {
	payload, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	copied, err := types.DecodeCommand(payload)
	if err != nil {
		return nil, err
	}
	meta := copied.Meta()
	meta.ID = ""
	meta.Timestamp = time.Time{}
	return copied, nil
}

func (m *Monitor) restartAgent(ctx context.Context, nodeID int64, reason string) error {
	delivered, err := m.sender.Send(ctx, nodeID, &types.RestartAgent{CommandMeta: types.CommandMeta{Reason: reason}})
	if err != nil {
		return err
	}
	if delivered > 0 {
		return nil
	}
	if m.restarter == nil {
		return fmt.Errorf("RESTART_AGENT not delivered to node %d", nodeID)
	}
	m.logger.Info().Int64("node_id", nodeID).Msg("RESTART_AGENT not delivered, restarting over SSH")
	return m.restarter.RestartAgent(ctx, nodeID)
}

func (m *Monitor) fixCounters() func(ctx context.Context) error {
	if m.counters == nil {
		return nil
	}
	return func(ctx context.Context) error {
		_, err := m.counters.RecomputeCounters(ctx)
		return err
	}
}

// dedupeCounterFix leaves the recompute on the first drift issue only
func (m *Monitor) dedupeCounterFix(report *Report) {
	first := true
	for _, is := range report.Issues {
		if is.Kind != IssueCounterDrift {
			continue
		}
		if !first {
			is.Fix = nil
		}
		first = false
	}
}

func (m *Monitor) applyFixes(ctx context.Context, report *Report, opts SweepOptions) {
	sort.SliceStable(report.Issues, func(i, j int) bool {
		return fixOrder(report.Issues[i].Kind) < fixOrder(report.Issues[j].Kind)
	})

	for _, is := range report.Issues {
		if is.Fix == nil || !(opts.AutoFix || is.always) {
			continue
		}

		before := m.describe(ctx, is)
		err := is.Fix(ctx)
		after := m.describe(ctx, is)

		logger := m.logger.With().
			Str("kind", string(is.Kind)).
			Int64("stream_id", is.StreamID).
			Int64("node_id", is.NodeID).
			Str("before", before).
			Str("after", after).
			Logger()

		result := "ok"
		if err != nil {
			result = "error"
			is.FixError = err.Error()
			report.Failed++
			logger.Error().Err(err).Msg("Health fix failed")
		} else {
			is.Fixed = true
			report.Fixed++
			logger.Info().Msg("Health fix applied")
		}
		metrics.AutoFixes.WithLabelValues(string(is.Kind), result).Inc()

		meta := map[string]string{
			"kind":   string(is.Kind),
			"before": before,
			"after":  after,
			"result": result,
		}
		if is.StreamID != 0 {
			meta["stream_id"] = strconv.FormatInt(is.StreamID, 10)
		}
		if is.NodeID != 0 {
			meta["node_id"] = strconv.FormatInt(is.NodeID, 10)
		}
		m.events.Publish(&events.Event{
			Type:     events.EventHealthAutoFix,
			Message:  fmt.Sprintf("%s: %s -> %s", is.Kind, before, after),
			Metadata: meta,
		})
	}
}

// describe renders the state a fix touches
func (m *Monitor) describe(ctx context.Context, is *Issue) string {
	if is.StreamID != 0 && is.Kind != IssueDelayedAck {
		st, err := m.store.GetStream(ctx, is.StreamID)
		if errors.Is(err, storage.ErrNotFound) {
			return "stream absent"
		}
		if err != nil {
			return "unknown"
		}
		node := "none"
		if st.AssignedNodeID != nil {
			node = strconv.FormatInt(*st.AssignedNodeID, 10)
		}
		return fmt.Sprintf("%s on node %s", st.Status, node)
	}
	if is.NodeID != 0 {
		node, err := m.store.GetNode(ctx, is.NodeID)
		if err != nil {
			return "unknown"
		}
		return fmt.Sprintf("%s current_streams=%d", node.Status, node.CurrentStreams)
	}
	return ""
}

// fixOrder runs stream timeouts before counter recomputes
func fixOrder(kind IssueKind) int {
	switch kind {
	case IssueStuckStarting, IssueStuckStopping, IssueMissing, IssueGhost:
		return 0
	case IssueCounterDrift:
		return 2
	default:
		return 1
	}
}

func (r *Report) add(is *Issue) {
	r.Issues = append(r.Issues, is)
}

func nodeOf(st *types.Stream) int64 {
	if st.AssignedNodeID == nil {
		return 0
	}
	return *st.AssignedNodeID
}
