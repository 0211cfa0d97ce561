package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ErrNothingToUpdate is returned when no node qualifies for the rollout
var ErrNothingToUpdate = errors.New("no nodes to update")

// Updater reinstalls the agent on a single node
type Updater interface {
	Update(ctx context.Context, nodeID int64) error
}

// Options controls a rolling agent update
type Options struct {
	// Parallelism is the number of nodes updated per batch (default 1)
	Parallelism int `json:"parallelism"`
	// Delay is the pause between batches
	Delay time.Duration `json:"delay"`
	// Nodes restricts the rollout to these ids. Empty means every ACTIVE node.
	Nodes []int64 `json:"nodes,omitempty"`
	// TargetVersion skips nodes whose reported agent version is already at
	// or above it
	TargetVersion string `json:"target_version,omitempty"`
	// Force updates nodes that are still carrying streams. The agent stops
	// its processes on restart so those streams go down until reconciled.
	Force bool `json:"force,omitempty"`
	// ContinueOnError keeps going after a batch with failures
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Result reports what a rollout did per node
type Result struct {
	Updated []int64          `json:"updated"`
	Skipped map[int64]string `json:"skipped,omitempty"`
	Failed  map[int64]string `json:"failed,omitempty"`
	Batches int              `json:"batches"`
	Aborted bool             `json:"aborted"`
}

// Deployer rolls agent updates across the fleet in batches
type Deployer struct {
	store   storage.Store
	updater Updater
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDeployer creates a new deployer
func NewDeployer(store storage.Store, updater Updater) *Deployer {
	return &Deployer{
		store:   store,
		updater: updater,
		logger:  log.WithComponent("deploy"),
		sleep:   sleepCtx,
	}
}

// RollingUpdate updates the agent on the selected nodes batch by batch.
// Unless ContinueOnError is set the rollout stops after the first batch
// in which any node failed; failed nodes are left FAILED by the updater.
func (d *Deployer) RollingUpdate(ctx context.Context, opts Options) (*Result, error) {
	var target *semver.Version
	if opts.TargetVersion != "" {
		v, err := semver.NewVersion(opts.TargetVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid target version %q: %w", opts.TargetVersion, err)
		}
		target = v
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	result := &Result{
		Skipped: make(map[int64]string),
		Failed:  make(map[int64]string),
	}
	nodes, err := d.selectNodes(ctx, opts, target, result)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return result, ErrNothingToUpdate
	}

	total := (len(nodes) + parallelism - 1) / parallelism
	d.logger.Info().
		Int("nodes", len(nodes)).
		Int("parallelism", parallelism).
		Dur("delay", opts.Delay).
		Msg("Starting rolling agent update")

	for i := 0; i < len(nodes); i += parallelism {
		end := min(i+parallelism, len(nodes))
		batch := nodes[i:end]
		result.Batches++

		d.logger.Info().
			Int("batch", result.Batches).
			Int("batches", total).
			Int("nodes", len(batch)).
			Msg("Updating batch")

		failed := d.runBatch(ctx, batch, result)
		if failed > 0 && !opts.ContinueOnError {
			result.Aborted = true
			d.logger.Warn().Int("batch", result.Batches).Int("failed", failed).Msg("Rolling update aborted")
			return result, fmt.Errorf("batch %d/%d: %d node(s) failed", result.Batches, total, failed)
		}

		if opts.Delay > 0 && end < len(nodes) {
			if err := d.sleep(ctx, opts.Delay); err != nil {
				result.Aborted = true
				return result, err
			}
		}
	}

	d.logger.Info().
		Int("updated", len(result.Updated)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Rolling agent update complete")
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d node(s) failed to update", len(result.Failed))
	}
	return result, nil
}

func (d *Deployer) runBatch(ctx context.Context, batch []*types.Node, result *Result) int {
	var (
		mu     sync.Mutex
		failed int
	)
	g := new(errgroup.Group)
	for _, node := range batch {
		id := node.ID
		g.Go(func() error {
			err := d.updater.Update(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				result.Failed[id] = err.Error()
				return nil
			}
			result.Updated = append(result.Updated, id)
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// selectNodes returns the ACTIVE nodes to update in id order, recording
// the reason for every node left out
func (d *Deployer) selectNodes(ctx context.Context, opts Options, target *semver.Version, result *Result) ([]*types.Node, error) {
	all, err := d.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var wanted map[int64]bool
	if len(opts.Nodes) > 0 {
		wanted = make(map[int64]bool, len(opts.Nodes))
		for _, id := range opts.Nodes {
			wanted[id] = true
		}
		for _, id := range opts.Nodes {
			if !containsNode(all, id) {
				result.Skipped[id] = "not found"
			}
		}
	}

	var nodes []*types.Node
	for _, n := range all {
		if wanted != nil && !wanted[n.ID] {
			continue
		}
		switch {
		case n.Status != types.NodeStatusActive:
			result.Skipped[n.ID] = "status " + string(n.Status)
		case n.CurrentStreams > 0 && !opts.Force:
			result.Skipped[n.ID] = fmt.Sprintf("%d stream(s) running", n.CurrentStreams)
		case target != nil && atLeast(n.AgentVersion, target):
			result.Skipped[n.ID] = "already at " + n.AgentVersion
		default:
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Status summarizes the fleet for a rollout
func (d *Deployer) Status(ctx context.Context) (*FleetStatus, error) {
	nodes, err := d.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	status := &FleetStatus{
		Nodes:    make(map[string]int),
		Versions: make(map[string]int),
	}
	for _, n := range nodes {
		status.Nodes[string(n.Status)]++
		v := n.AgentVersion
		if v == "" {
			v = "unknown"
		}
		status.Versions[v]++
		if n.Status == types.NodeStatusActive {
			status.ReadyNodes++
		}
	}
	status.TotalNodes = len(nodes)
	return status, nil
}

// FleetStatus counts nodes by status and by reported agent version
type FleetStatus struct {
	TotalNodes int            `json:"total_nodes"`
	ReadyNodes int            `json:"ready_nodes"`
	Nodes      map[string]int `json:"nodes"`
	Versions   map[string]int `json:"versions"`
}

func atLeast(version string, target *semver.Version) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return !v.LessThan(target)
}

func containsNode(nodes []*types.Node, id int64) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
