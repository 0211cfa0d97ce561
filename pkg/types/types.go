package types

import (
	"time"
)

// StreamStatus is the desired/observed lifecycle status of a stream
type StreamStatus string

const (
	StreamStatusInactive             StreamStatus = "INACTIVE"
	StreamStatusWaitingForProcessing StreamStatus = "WAITING_FOR_PROCESSING"
	StreamStatusStarting             StreamStatus = "STARTING"
	StreamStatusStreaming            StreamStatus = "STREAMING"
	StreamStatusStopping             StreamStatus = "STOPPING"
	StreamStatusStopped              StreamStatus = "STOPPED"
	StreamStatusCompleted            StreamStatus = "COMPLETED"
	StreamStatusError                StreamStatus = "ERROR"
)

// RunningStatuses are the statuses in which a stream should have a live
// process on its assigned node.
var RunningStatuses = []StreamStatus{StreamStatusStarting, StreamStatusStreaming}

// IsRunning reports whether the status implies a live remote process
func (s StreamStatus) IsRunning() bool {
	return s == StreamStatusStarting || s == StreamStatusStreaming
}

// OccupiesSlot reports whether a stream in this status counts against its
// assigned node's CurrentStreams. STOPPING still holds the slot until the
// agent confirms or the stop timeout frees it.
func (s StreamStatus) OccupiesSlot() bool {
	return s == StreamStatusStarting || s == StreamStatusStreaming || s == StreamStatusStopping
}

// IsTerminal reports whether the status is idle (no process expected)
func (s StreamStatus) IsTerminal() bool {
	switch s {
	case StreamStatusInactive, StreamStatusStopped, StreamStatusCompleted, StreamStatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s StreamStatus) Valid() bool {
	switch s {
	case StreamStatusInactive, StreamStatusWaitingForProcessing, StreamStatusStarting,
		StreamStatusStreaming, StreamStatusStopping, StreamStatusStopped,
		StreamStatusCompleted, StreamStatusError:
		return true
	}
	return false
}

// ContentRef is one entry of a stream's ordered playback source list
type ContentRef struct {
	ID    int64  `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url" validate:"required"`
	Ready bool   `json:"ready" yaml:"ready"`
}

// Stream is a stream configuration: the control plane's desired state for
// one RTMP output.
type Stream struct {
	ID                   int64        `json:"id" yaml:"id"`
	Title                string       `json:"title" yaml:"title" validate:"required,max=255"`
	Status               StreamStatus `json:"status" yaml:"status"`
	AssignedNodeID       *int64       `json:"assigned_node_id,omitempty" yaml:"-"`
	Sources              []ContentRef `json:"sources" yaml:"sources" validate:"required,min=1,dive"`
	RTMPURL              string       `json:"rtmp_url" yaml:"rtmp_url" validate:"required,url"`
	StreamKey            string       `json:"stream_key" yaml:"stream_key"`
	ScheduledStart       *time.Time   `json:"scheduled_start,omitempty" yaml:"scheduled_start,omitempty"`
	ScheduledEnd         *time.Time   `json:"scheduled_end,omitempty" yaml:"scheduled_end,omitempty"`
	Loop                 bool         `json:"loop" yaml:"loop"`
	RequiredCapabilities []string     `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	LastStartedAt        *time.Time   `json:"last_started_at,omitempty" yaml:"-"`
	LastStoppedAt        *time.Time   `json:"last_stopped_at,omitempty" yaml:"-"`
	LastStatusUpdate     *time.Time   `json:"last_status_update,omitempty" yaml:"-"`
	LastReportAt         *time.Time   `json:"last_report_at,omitempty" yaml:"-"` // agent clock
	ErrorMessage         string       `json:"error_message,omitempty" yaml:"-"`
	StatusMessage        string       `json:"status_message,omitempty" yaml:"-"`
	ProcessID            int          `json:"process_id,omitempty" yaml:"-"` // advisory only
	CreatedAt            time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time    `json:"updated_at" yaml:"-"`
}

// AssignedTo reports whether the stream is assigned to nodeID
func (s *Stream) AssignedTo(nodeID int64) bool {
	return s.AssignedNodeID != nil && *s.AssignedNodeID == nodeID
}

// ContentReady reports whether every playback source is ready
func (s *Stream) ContentReady() bool {
	if len(s.Sources) == 0 {
		return false
	}
	for _, src := range s.Sources {
		if !src.Ready {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, used for before/after audit records
func (s *Stream) Clone() *Stream {
	c := *s
	c.AssignedNodeID = cloneInt64(s.AssignedNodeID)
	c.ScheduledStart = cloneTime(s.ScheduledStart)
	c.ScheduledEnd = cloneTime(s.ScheduledEnd)
	c.LastStartedAt = cloneTime(s.LastStartedAt)
	c.LastStoppedAt = cloneTime(s.LastStoppedAt)
	c.LastStatusUpdate = cloneTime(s.LastStatusUpdate)
	c.LastReportAt = cloneTime(s.LastReportAt)
	c.Sources = append([]ContentRef(nil), s.Sources...)
	c.RequiredCapabilities = append([]string(nil), s.RequiredCapabilities...)
	return &c
}

// NodeStatus represents the provisioning/operational state of a node
type NodeStatus string

const (
	NodeStatusPending      NodeStatus = "PENDING"
	NodeStatusProvisioning NodeStatus = "PROVISIONING"
	NodeStatusActive       NodeStatus = "ACTIVE"
	NodeStatusFailed       NodeStatus = "FAILED"
	NodeStatusUpdating     NodeStatus = "UPDATING"
)

// Credentials are used by the remote execution collaborator
type Credentials struct {
	User       string `json:"user" yaml:"user"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"` // PEM
}

// Node represents a VPS running a streaming agent
type Node struct {
	ID              int64       `json:"id"`
	Name            string      `json:"name"`
	Address         string      `json:"address"`
	SSHPort         int         `json:"ssh_port"`
	Credentials     Credentials `json:"credentials"`
	Status          NodeStatus  `json:"status"`
	StatusMessage   string      `json:"status_message,omitempty"`
	CurrentStreams  int         `json:"current_streams"`  // cached, recomputed from streams
	CapacityCeiling int         `json:"capacity_ceiling"` // recomputed from telemetry
	LastHeartbeat   *time.Time  `json:"last_heartbeat,omitempty"`
	AgentVersion    string      `json:"agent_version,omitempty"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	LastCPU         float64     `json:"last_cpu"`
	LastRAM         float64     `json:"last_ram"`
	LastDisk        float64     `json:"last_disk"`
	LastTelemetryAt *time.Time  `json:"last_telemetry_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasCapabilities reports whether the node carries every tag in required
func (n *Node) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	c := *n
	c.LastHeartbeat = cloneTime(n.LastHeartbeat)
	c.LastTelemetryAt = cloneTime(n.LastTelemetryAt)
	c.Capabilities = append([]string(nil), n.Capabilities...)
	return &c
}

// NodeSpec is the operator-managed part of a node, as written in manifests
// and sent to PUT /api/v1/nodes/{id}
type NodeSpec struct {
	Name         string      `json:"name" yaml:"name" validate:"required,max=255"`
	Address      string      `json:"address" yaml:"address" validate:"required,hostname|ip"`
	SSHPort      int         `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty" validate:"gte=0,lte=65535"`
	Credentials  Credentials `json:"credentials" yaml:"credentials"`
	Capabilities []string    `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// TelemetrySample is one resource usage report for a node
type TelemetrySample struct {
	NodeID        int64     `json:"vps_id"`
	CPUUsage      float64   `json:"cpu_usage"`
	RAMUsage      float64   `json:"ram_usage"`
	DiskUsage     float64   `json:"disk_usage"`
	ActiveStreams int       `json:"active_streams"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }

// Time returns a pointer to t
func Time(t time.Time) *time.Time { return &t }

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
