package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/queue"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Handler applies agent reports to the cache and the store
type Handler struct {
	store    storage.Store
	cache    statecache.Cache
	machine  *lifecycle.Machine
	tracker  *dispatcher.Tracker
	cacheTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a report handler. tracker may be nil.
func New(store storage.Store, cache statecache.Cache, machine *lifecycle.Machine, tracker *dispatcher.Tracker, cacheTTL time.Duration) *Handler {
	return &Handler{
		store:    store,
		cache:    cache,
		machine:  machine,
		tracker:  tracker,
		cacheTTL: cacheTTL,
		now:      time.Now,
		logger:   log.WithComponent("handler"),
	}
}

// Job wraps a report for the worker pool. Heartbeats are keyed by node and
// status updates by stream, so reports about one subject apply in order.
func (h *Handler) Job(report types.Report) queue.Job {
	switch r := report.(type) {
	case *types.Heartbeat:
		return queue.Job{
			Key:  "node:" + strconv.FormatInt(r.NodeID, 10),
			Name: "heartbeat",
			Run:  func(ctx context.Context) error { return h.HandleHeartbeat(ctx, r) },
		}
	case *types.StatusUpdate:
		return queue.Job{
			Key:  "stream:" + strconv.FormatInt(r.StreamID, 10),
			Name: "status_update",
			Run:  func(ctx context.Context) error { return h.HandleStatus(ctx, r) },
		}
	default:
		return queue.Job{
			Key:  "node:" + strconv.FormatInt(report.Node(), 10),
			Name: string(report.Type()),
			Run: func(ctx context.Context) error {
				return fmt.Errorf("%w: %s", types.ErrUnknownReport, report.Type())
			},
		}
	}
}

// HandleHeartbeat replaces the node's cached stream list, records the
// heartbeat on the node and promotes every listed stream.
func (h *Handler) HandleHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	logger := h.logger.With().Int64("node_id", hb.NodeID).Logger()

	if err := h.cache.SetActiveStreams(ctx, hb.NodeID, hb.ActiveStreams, h.cacheTTL); err != nil {
		return fmt.Errorf("failed to cache heartbeat of node %d: %w", hb.NodeID, err)
	}

	seen := h.now()
	err := h.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(hb.NodeID)
		if err != nil {
			return err
		}
		node.LastHeartbeat = types.Time(seen)
		if hb.AgentVersion != "" {
			node.AgentVersion = hb.AgentVersion
		}
		return tx.PutNode(node)
	})
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Msg("Heartbeat from unknown node")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of node %d: %w", hb.NodeID, err)
	}

	h.ack(hb.CommandID, "heartbeat")

	var errs []error
	for _, streamID := range hb.ActiveStreams {
		outcome, err := h.machine.ObserveRunning(ctx, streamID, hb.NodeID, lifecycle.Observation{
			Source: lifecycle.SourceHeartbeat,
			At:     hb.Timestamp,
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Orphan: the reconciler kills it
			logger.Debug().Int64("stream_id", streamID).Msg("Heartbeat lists unknown stream")
		case err != nil:
			errs = append(errs, fmt.Errorf("stream %d: %w", streamID, err))
		case outcome != lifecycle.OutcomeUnchanged && outcome != lifecycle.OutcomeIgnored:
			logger.Debug().Int64("stream_id", streamID).Str("outcome", string(outcome)).Msg("Heartbeat applied")
		}
	}

	logger.Debug().Int("active_streams", len(hb.ActiveStreams)).Msg("Heartbeat processed")
	return errors.Join(errs...)
}

// HandleStatus applies a STATUS_UPDATE through the state machine
func (h *Handler) HandleStatus(ctx context.Context, upd *types.StatusUpdate) error {
	outcome, err := h.machine.ApplyStatus(ctx, upd)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn().
			Int64("stream_id", upd.StreamID).
			Int64("node_id", upd.NodeID).
			Msg("Status update for unknown stream")
		h.ack(upd.CommandID, string(upd.Status))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s for stream %d: %w", upd.Status, upd.StreamID, err)
	}

	h.ack(upd.CommandID, string(upd.Status))
	h.logger.Debug().
		Int64("stream_id", upd.StreamID).
		Int64("node_id", upd.NodeID).
		Str("status", string(upd.Status)).
		Str("outcome", string(outcome)).
		Msg("Status update processed")
	return nil
}

func (h *Handler) ack(commandID, result string) {
	if h.tracker == nil || commandID == "" {
		return
	}
	if !h.tracker.Ack(commandID, result) {
		h.logger.Debug().Str("command_id", commandID).Msg("Ack for unknown command")
	}
}
