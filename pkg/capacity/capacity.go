package capacity

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// epsilon below which a per-stream cost counts as zero
const epsilon = 1e-6

// Stats is a node's current load
type Stats struct {
	ActiveStreams int
	CPU           float64 // percent
	RAM           float64 // percent
}

// Estimator predicts how many streams a node can carry
type Estimator struct {
	cfg config.CapacityConfig
}

// NewEstimator creates an estimator with the given targets
func NewEstimator(cfg config.CapacityConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// PredictCeiling extrapolates the per-stream CPU and RAM cost from the
// current load and returns how many streams fit under the targets. The
// result is never below the current stream count.
func (e *Estimator) PredictCeiling(s Stats) int {
	n := s.ActiveStreams
	if n <= 0 {
		return e.cfg.InitialCeiling
	}

	cpuPer := s.CPU / float64(n)
	ramPer := math.Max(s.RAM-e.cfg.RAMBaseline, 0) / float64(n)
	if cpuPer < epsilon && ramPer < epsilon {
		return n + 1
	}

	additional := math.Inf(1)
	if cpuPer >= epsilon {
		additional = math.Min(additional, (e.cfg.CPUTarget-s.CPU)/cpuPer)
	}
	if ramPer >= epsilon {
		additional = math.Min(additional, (e.cfg.RAMTarget-s.RAM)/ramPer)
	}

	extra := int(math.Floor(additional))
	if extra < 0 {
		extra = 0
	}
	return n + extra
}

// Ingestor applies telemetry samples to node rows
type Ingestor struct {
	store     storage.Store
	estimator *Estimator
	now       func() time.Time
	logger    zerolog.Logger
}

// NewIngestor creates a telemetry ingestor
func NewIngestor(store storage.Store, estimator *Estimator) *Ingestor {
	return &Ingestor{
		store:     store,
		estimator: estimator,
		now:       time.Now,
		logger:    log.WithComponent("capacity"),
	}
}

// Ingest stores the latest usage on the node and recomputes its
// CapacityCeiling
func (i *Ingestor) Ingest(ctx context.Context, sample types.TelemetrySample) (*types.Node, error) {
	if sample.ReceivedAt.IsZero() {
		sample.ReceivedAt = i.now()
	}
	if err := validate(sample); err != nil {
		return nil, err
	}

	var updated *types.Node
	err := i.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(sample.NodeID)
		if err != nil {
			return err
		}
		node.LastCPU = sample.CPUUsage
		node.LastRAM = sample.RAMUsage
		node.LastDisk = sample.DiskUsage
		node.LastTelemetryAt = types.Time(sample.ReceivedAt)
		node.CapacityCeiling = i.estimator.PredictCeiling(Stats{
			ActiveStreams: sample.ActiveStreams,
			CPU:           sample.CPUUsage,
			RAM:           sample.RAMUsage,
		})
		updated = node
		return tx.PutNode(node)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ingest telemetry for node %d: %w", sample.NodeID, err)
	}

	metrics.TelemetrySamples.Inc()
	metrics.NodeCapacity.WithLabelValues(strconv.FormatInt(updated.ID, 10)).Set(float64(updated.CapacityCeiling))
	i.logger.Debug().
		Int64("node_id", updated.ID).
		Float64("cpu", sample.CPUUsage).
		Float64("ram", sample.RAMUsage).
		Int("active_streams", sample.ActiveStreams).
		Int("capacity_ceiling", updated.CapacityCeiling).
		Msg("Telemetry ingested")
	return updated, nil
}

func validate(s types.TelemetrySample) error {
	if s.NodeID <= 0 {
		return fmt.Errorf("telemetry sample without node id")
	}
	for name, v := range map[string]float64{"cpu_usage": s.CPUUsage, "ram_usage": s.RAMUsage, "disk_usage": s.DiskUsage} {
		if v < 0 || v > 100 || math.IsNaN(v) {
			return fmt.Errorf("telemetry %s out of range: %v", name, v)
		}
	}
	if s.ActiveStreams < 0 {
		return fmt.Errorf("telemetry active_streams negative: %d", s.ActiveStreams)
	}
	return nil
}
