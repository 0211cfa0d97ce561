package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/health"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/remote"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ErrBusy is returned when a node is not in a state that can be provisioned
var ErrBusy = errors.New("node cannot be provisioned in its current state")

// retryParallelism bounds concurrent SSH sessions in RetryFailed
const retryParallelism = 4

// Provisioner installs and restarts agents on nodes over SSH
type Provisioner struct {
	store   storage.Store
	newExec remote.Factory
	cfg     config.ProvisionConfig
	plane   *config.Config
	events  events.Publisher
	logger  zerolog.Logger
}

// NewProvisioner creates a provisioner. plane supplies the bus and agent
// settings written into each node's agent config. pub may be nil.
func NewProvisioner(store storage.Store, newExec remote.Factory, plane *config.Config, pub events.Publisher) *Provisioner {
	if pub == nil {
		pub = events.Discard
	}
	return &Provisioner{
		store:   store,
		newExec: newExec,
		cfg:     plane.Provision,
		plane:   plane,
		events:  pub,
		logger:  log.WithComponent("provision"),
	}
}

// Provision moves a PENDING or FAILED node through PROVISIONING, uploads
// the agent config, runs the setup and verify commands and leaves the node
// ACTIVE. Any failure leaves it FAILED with the error as StatusMessage.
func (p *Provisioner) Provision(ctx context.Context, nodeID int64) error {
	node, err := p.setStatus(ctx, nodeID, types.NodeStatusProvisioning, "provisioning", types.NodeStatusPending, types.NodeStatusFailed)
	if err != nil {
		return err
	}

	logger := p.logger.With().Int64("node_id", nodeID).Str("address", node.Address).Logger()
	logger.Info().Msg("Provisioning node")

	if err := p.install(ctx, node); err != nil {
		metrics.Provisions.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Provisioning failed")
		if _, serr := p.setStatus(ctx, nodeID, types.NodeStatusFailed, err.Error()); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	if _, err := p.setStatus(ctx, nodeID, types.NodeStatusActive, ""); err != nil {
		return err
	}
	metrics.Provisions.WithLabelValues("active").Inc()
	logger.Info().Msg("Node provisioned")
	return nil
}

// Update reinstalls the agent on an ACTIVE node. The node is UPDATING
// while the setup runs so the scheduler places nothing new on it. On
// failure the node is left FAILED.
func (p *Provisioner) Update(ctx context.Context, nodeID int64) error {
	node, err := p.setStatus(ctx, nodeID, types.NodeStatusUpdating, "updating agent", types.NodeStatusActive)
	if err != nil {
		return err
	}

	logger := p.logger.With().Int64("node_id", nodeID).Logger()
	logger.Info().Msg("Updating agent")

	if err := p.install(ctx, node); err != nil {
		metrics.Provisions.WithLabelValues("update_failed").Inc()
		logger.Error().Err(err).Msg("Agent update failed")
		if _, serr := p.setStatus(ctx, nodeID, types.NodeStatusFailed, err.Error()); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	if _, err := p.setStatus(ctx, nodeID, types.NodeStatusActive, ""); err != nil {
		return err
	}
	metrics.Provisions.WithLabelValues("updated").Inc()
	logger.Info().Msg("Agent updated")
	return nil
}

func (p *Provisioner) install(ctx context.Context, node *types.Node) error {
	exec := p.newExec()
	if err := exec.Connect(ctx, node); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer exec.Disconnect()

	local, err := p.writeAgentConfig(node)
	if err != nil {
		return err
	}
	defer os.RemoveAll(filepath.Dir(local))

	if err := exec.UploadFile(ctx, local, p.cfg.AgentConfigPath); err != nil {
		return fmt.Errorf("upload agent config: %w", err)
	}
	if p.cfg.SetupCommand != "" {
		if _, err := exec.Execute(ctx, p.cfg.SetupCommand); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	if p.cfg.VerifyCommand != "" {
		checker := health.NewRemoteChecker(exec, p.cfg.VerifyCommand).WithTimeout(p.cfg.CommandTimeout)
		if result := checker.Check(ctx); !result.Healthy {
			return fmt.Errorf("verify: %s", result.Message)
		}
	}
	return nil
}

// RestartAgent restarts the agent service on a node over SSH
func (p *Provisioner) RestartAgent(ctx context.Context, nodeID int64) error {
	node, err := p.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	exec := p.newExec()
	if err := exec.Connect(ctx, node); err != nil {
		return fmt.Errorf("failed to restart agent on node %d: %w", nodeID, err)
	}
	defer exec.Disconnect()

	if _, err := exec.Execute(ctx, p.cfg.RestartCommand); err != nil {
		return fmt.Errorf("failed to restart agent on node %d: %w", nodeID, err)
	}
	p.logger.Info().Int64("node_id", nodeID).Msg("Agent restarted over SSH")
	return nil
}

// RetryFailed provisions every FAILED node. One node failing does not stop
// the others; the ids of nodes that came up are returned along with the
// joined errors of those that did not.
func (p *Provisioner) RetryFailed(ctx context.Context) ([]int64, error) {
	nodes, err := p.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var (
		mu     sync.Mutex
		active []int64
		errs   []error
	)
	g := new(errgroup.Group)
	g.SetLimit(retryParallelism)
	for _, node := range nodes {
		if node.Status != types.NodeStatusFailed {
			continue
		}
		id := node.ID
		g.Go(func() error {
			err := p.Provision(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("node %d: %w", id, err))
				return nil
			}
			active = append(active, id)
			return nil
		})
	}
	_ = g.Wait()
	return active, errors.Join(errs...)
}

// setStatus changes the node status, requiring one of from when given
func (p *Provisioner) setStatus(ctx context.Context, nodeID int64, to types.NodeStatus, message string, from ...types.NodeStatus) (*types.Node, error) {
	var (
		node *types.Node
		was  types.NodeStatus
	)
	err := p.store.Update(ctx, func(tx storage.Tx) error {
		n, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if len(from) > 0 && !oneOf(n.Status, from) {
			return fmt.Errorf("%w: node %d is %s", ErrBusy, nodeID, n.Status)
		}
		was = n.Status
		n.Status = to
		n.StatusMessage = message
		node = n
		return tx.PutNode(n)
	})
	if err != nil {
		return nil, err
	}

	p.events.Publish(&events.Event{
		Type:    events.EventNodeStatus,
		Message: fmt.Sprintf("node %d %s -> %s", nodeID, was, to),
		Metadata: map[string]string{
			"node_id": strconv.FormatInt(nodeID, 10),
			"from":    string(was),
			"to":      string(to),
			"message": message,
		},
	})
	return node, nil
}

func oneOf(s types.NodeStatus, set []types.NodeStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// agentFile is the YAML document an agent loads with --config
type agentFile struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Bus struct {
		CommandChannelPrefix string `yaml:"command_channel_prefix"`
		ReportChannel        string `yaml:"report_channel"`
	} `yaml:"bus"`
	Agent struct {
		NodeID            int64  `yaml:"node_id"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		TelemetryInterval string `yaml:"telemetry_interval"`
		TelemetryURL      string `yaml:"telemetry_url,omitempty"`
		FFmpegPath        string `yaml:"ffmpeg_path"`
		StateDir          string `yaml:"state_dir"`
	} `yaml:"agent"`
}

// RenderAgentConfig returns the agent config document for node
func (p *Provisioner) RenderAgentConfig(node *types.Node) ([]byte, error) {
	var f agentFile
	f.Log.Level = "info"
	f.Log.JSON = true
	f.Redis.Addr = p.plane.Redis.Addr
	f.Redis.Password = p.plane.Redis.Password
	f.Redis.DB = p.plane.Redis.DB
	f.Bus.CommandChannelPrefix = p.plane.Bus.CommandChannelPrefix
	f.Bus.ReportChannel = p.plane.Bus.ReportChannel
	f.Agent.NodeID = node.ID
	f.Agent.HeartbeatInterval = p.plane.Agent.HeartbeatInterval.String()
	f.Agent.TelemetryInterval = p.plane.Agent.TelemetryInterval.String()
	f.Agent.TelemetryURL = p.plane.Agent.TelemetryURL
	f.Agent.FFmpegPath = p.plane.Agent.FFmpegPath
	f.Agent.StateDir = p.plane.Agent.StateDir

	data, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to render agent config: %w", err)
	}
	return data, nil
}

func (p *Provisioner) writeAgentConfig(node *types.Node) (string, error) {
	data, err := p.RenderAgentConfig(node)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "ezstream-agent-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write agent config: %w", err)
	}
	return path, nil
}
