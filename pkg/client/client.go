package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/deploy"
	"github.com/truongvando/ezstream-sub005/pkg/health"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/scheduler"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// DefaultTimeout bounds one API call. Provisioning runs remote commands and
// gets the longer ProvisionTimeout.
const (
	DefaultTimeout   = 30 * time.Second
	ProvisionTimeout = 10 * time.Minute
	RolloutTimeout   = 2 * time.Hour
)

// ErrNotFound is returned for 404 responses
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the control plane
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) work for 404s
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client wraps the control plane HTTP API for CLI usage
type Client struct {
	base *url.URL
	http *http.Client
}

// NodeView is a node as listed by the API
type NodeView struct {
	types.Node
	Health health.Level `json:"health"`
}

// StartResult is the outcome of a start request
type StartResult struct {
	Decision scheduler.Decision `json:"decision"`
	Stream   *types.Stream      `json:"stream,omitempty"`
}

// ApplyResult tells whether a PUT created the record
type ApplyResult struct {
	Created bool `json:"created"`
}

// NewClient creates a client for the API at addr, given as host:port or as
// a full URL
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid control plane address %q: %w", addr, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid control plane address %q: missing host", addr)
	}
	return &Client{base: base, http: &http.Client{}}, nil
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control plane: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func streamPath(id int64, suffix string) string {
	return "/api/v1/streams/" + strconv.FormatInt(id, 10) + suffix
}

func nodePath(id int64, suffix string) string {
	return "/api/v1/nodes/" + strconv.FormatInt(id, 10) + suffix
}

// GetStream returns one stream
func (c *Client) GetStream(ctx context.Context, id int64) (*types.Stream, error) {
	var st types.Stream
	if err := c.do(ctx, http.MethodGet, streamPath(id, ""), DefaultTimeout, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStreams lists streams, optionally only those in the given statuses
func (c *Client) ListStreams(ctx context.Context, statuses ...types.StreamStatus) ([]*types.Stream, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", string(s))
	}
	path := "/api/v1/streams"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var streams []*types.Stream
	err := c.do(ctx, http.MethodGet, path, DefaultTimeout, nil, &streams)
	return streams, err
}

// ApplyStream creates or updates a stream's configuration
func (c *Client) ApplyStream(ctx context.Context, st *types.Stream) (bool, error) {
	var res ApplyResult
	err := c.do(ctx, http.MethodPut, streamPath(st.ID, ""), DefaultTimeout, st, &res)
	return res.Created, err
}

// StartStream starts a stream, on nodeID or on the scheduler's choice when
// nodeID is zero
func (c *Client) StartStream(ctx context.Context, id, nodeID int64) (*StartResult, error) {
	path := streamPath(id, "/start")
	if nodeID > 0 {
		path += "?node=" + strconv.FormatInt(nodeID, 10)
	}
	var res StartResult
	if err := c.do(ctx, http.MethodPost, path, DefaultTimeout, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StopStream requests a stop
func (c *Client) StopStream(ctx context.Context, id int64) (*types.Stream, error) {
	var st types.Stream
	if err := c.do(ctx, http.MethodPost, streamPath(id, "/stop"), DefaultTimeout, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListNodes lists nodes with their agent health
func (c *Client) ListNodes(ctx context.Context) ([]NodeView, error) {
	var nodes []NodeView
	err := c.do(ctx, http.MethodGet, "/api/v1/nodes", DefaultTimeout, nil, &nodes)
	return nodes, err
}

// ApplyNode registers a node or updates its connection details
func (c *Client) ApplyNode(ctx context.Context, id int64, spec types.NodeSpec) (bool, error) {
	var res ApplyResult
	err := c.do(ctx, http.MethodPut, nodePath(id, ""), DefaultTimeout, spec, &res)
	return res.Created, err
}

// Reconcile reconciles one node. fresh asks the agent for a new heartbeat
// first.
func (c *Client) Reconcile(ctx context.Context, nodeID int64, fresh bool) (*reconciler.Result, error) {
	path := nodePath(nodeID, "/reconcile")
	if fresh {
		path += "?fresh=true"
	}
	var res reconciler.Result
	if err := c.do(ctx, http.MethodPost, path, DefaultTimeout, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReconcileAll reconciles every active node
func (c *Client) ReconcileAll(ctx context.Context) ([]*reconciler.Result, error) {
	var res []*reconciler.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/reconcile", DefaultTimeout, nil, &res)
	return res, err
}

// Sweep runs a health sweep, applying fixes when fix is set
func (c *Client) Sweep(ctx context.Context, fix bool) (*health.Report, error) {
	path := "/api/v1/health/sweep"
	if fix {
		path += "?fix=true"
	}
	var report health.Report
	if err := c.do(ctx, http.MethodGet, path, DefaultTimeout, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RecomputeCounters repairs node stream counters
func (c *Client) RecomputeCounters(ctx context.Context) ([]reconciler.Correction, error) {
	var res []reconciler.Correction
	err := c.do(ctx, http.MethodPost, "/api/v1/counters/recompute", DefaultTimeout, nil, &res)
	return res, err
}

// Provision installs the agent on a node
func (c *Client) Provision(ctx context.Context, nodeID int64) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodPost, nodePath(nodeID, "/provision"), ProvisionTimeout, nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// RetryFailedProvisioning provisions every FAILED node again and returns
// the ids that came up. When any node fails the error carries the
// per-node messages.
func (c *Client) RetryFailedProvisioning(ctx context.Context) ([]int64, error) {
	var res struct {
		Provisioned []int64 `json:"provisioned"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/nodes/provision-failed", ProvisionTimeout, nil, &res)
	return res.Provisioned, err
}

// RolloutRequest selects the nodes and pacing of a rolling agent update
type RolloutRequest struct {
	Parallelism     int     `json:"parallelism,omitempty"`
	Delay           string  `json:"delay,omitempty"`
	Nodes           []int64 `json:"nodes,omitempty"`
	TargetVersion   string  `json:"target_version,omitempty"`
	Force           bool    `json:"force,omitempty"`
	ContinueOnError bool    `json:"continue_on_error,omitempty"`
}

// Rollout runs a rolling agent update and waits for it to finish
func (c *Client) Rollout(ctx context.Context, req RolloutRequest) (*deploy.Result, error) {
	var res deploy.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/rollout", RolloutTimeout, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RolloutStatus counts nodes by status and agent version
func (c *Client) RolloutStatus(ctx context.Context) (*deploy.FleetStatus, error) {
	var status deploy.FleetStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes/rollout", DefaultTimeout, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
