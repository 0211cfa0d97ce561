package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnknownCommand is returned for a command name with no decoder
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownReport is returned for a report type with no decoder
	ErrUnknownReport = errors.New("unknown report type")
	// ErrMalformed is returned when a payload is not valid JSON
	ErrMalformed = errors.New("malformed message")
)

// CommandName identifies a command sent to an agent
type CommandName string

const (
	CommandStartStream     CommandName = "START_STREAM"
	CommandStopStream      CommandName = "STOP_STREAM"
	CommandForceKillStream CommandName = "FORCE_KILL_STREAM"
	CommandSyncState       CommandName = "SYNC_STATE"
	CommandRefreshSettings CommandName = "REFRESH_SETTINGS"
	CommandRestartAgent    CommandName = "RESTART_AGENT"
)

// Command is implemented by every concrete command. The set is closed:
// EncodeCommand and DecodeCommand switch over all of them.
type Command interface {
	Name() CommandName
	Meta() *CommandMeta
}

// CommandMeta holds the fields shared by every command envelope
type CommandMeta struct {
	ID        string    `json:"id"`
	StreamID  int64     `json:"stream_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"-"`
}

// StreamSpec is what an agent needs to run a stream
type StreamSpec struct {
	Title     string   `json:"title"`
	Sources   []string `json:"sources"`
	RTMPURL   string   `json:"rtmp_url"`
	StreamKey string   `json:"stream_key"`
	Loop      bool     `json:"loop"`
}

// StartStream asks an agent to start the FFmpeg process for a stream
type StartStream struct {
	CommandMeta
	Stream StreamSpec
}

// StopStream asks an agent to gracefully stop a stream
type StopStream struct{ CommandMeta }

// ForceKillStream asks an agent to kill a stream process immediately
type ForceKillStream struct{ CommandMeta }

// SyncState asks an agent to publish a heartbeat right away
type SyncState struct{ CommandMeta }

// RefreshSettings pushes runtime settings to an agent
type RefreshSettings struct {
	CommandMeta
	Settings map[string]string
}

// RestartAgent asks the agent process to restart itself
type RestartAgent struct{ CommandMeta }

func (c *StartStream) Name() CommandName     { return CommandStartStream }
func (c *StopStream) Name() CommandName      { return CommandStopStream }
func (c *ForceKillStream) Name() CommandName { return CommandForceKillStream }
func (c *SyncState) Name() CommandName       { return CommandSyncState }
func (c *RefreshSettings) Name() CommandName { return CommandRefreshSettings }
func (c *RestartAgent) Name() CommandName    { return CommandRestartAgent }

func (m *CommandMeta) Meta() *CommandMeta { return m }

// commandEnvelope is the wire format on vps-commands:{id}
type commandEnvelope struct {
	ID        string            `json:"id"`
	Command   CommandName       `json:"command"`
	StreamID  int64             `json:"stream_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Stream    *StreamSpec       `json:"stream,omitempty"`
	Settings  map[string]string `json:"settings,omitempty"`
}

// EncodeCommand serializes a command into its JSON envelope
func EncodeCommand(cmd Command) ([]byte, error) {
	meta := cmd.Meta()
	env := commandEnvelope{
		ID:        meta.ID,
		Command:   cmd.Name(),
		StreamID:  meta.StreamID,
		Reason:    meta.Reason,
		Timestamp: meta.Timestamp.Unix(),
	}

	switch c := cmd.(type) {
	case *StartStream:
		spec := c.Stream
		env.Stream = &spec
	case *RefreshSettings:
		env.Settings = c.Settings
	case *StopStream, *ForceKillStream, *SyncState, *RestartAgent:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	return json.Marshal(env)
}

// DecodeCommand parses a command envelope into its concrete type
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	meta := CommandMeta{
		ID:        env.ID,
		StreamID:  env.StreamID,
		Reason:    env.Reason,
		Timestamp: time.Unix(env.Timestamp, 0),
	}

	switch env.Command {
	case CommandStartStream:
		if env.Stream == nil {
			return nil, fmt.Errorf("%w: START_STREAM without stream spec", ErrMalformed)
		}
		return &StartStream{CommandMeta: meta, Stream: *env.Stream}, nil
	case CommandStopStream:
		return &StopStream{CommandMeta: meta}, nil
	case CommandForceKillStream:
		return &ForceKillStream{CommandMeta: meta}, nil
	case CommandSyncState:
		return &SyncState{CommandMeta: meta}, nil
	case CommandRefreshSettings:
		return &RefreshSettings{CommandMeta: meta, Settings: env.Settings}, nil
	case CommandRestartAgent:
		return &RestartAgent{CommandMeta: meta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command)
	}
}

// ReportType identifies a report published by an agent
type ReportType string

const (
	ReportHeartbeat    ReportType = "HEARTBEAT"
	ReportStatusUpdate ReportType = "STATUS_UPDATE"
)

// Report is implemented by Heartbeat and StatusUpdate
type Report interface {
	Type() ReportType
	Node() int64
}

// Heartbeat lists the streams an agent believes are running
type Heartbeat struct {
	NodeID        int64     `json:"vps_id"`
	ActiveStreams []int64   `json:"active_streams"`
	AgentVersion  string    `json:"agent_version,omitempty"`
	CommandID     string    `json:"command_id,omitempty"`
	Timestamp     time.Time `json:"-"`
}

// StatusUpdate reports a status change for one stream
type StatusUpdate struct {
	StreamID  int64        `json:"stream_id"`
	NodeID    int64        `json:"vps_id"`
	Status    StreamStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	ProcessID int          `json:"pid,omitempty"`
	CommandID string       `json:"command_id,omitempty"`
	Timestamp time.Time    `json:"-"`
}

func (h *Heartbeat) Type() ReportType    { return ReportHeartbeat }
func (h *Heartbeat) Node() int64         { return h.NodeID }
func (s *StatusUpdate) Type() ReportType { return ReportStatusUpdate }
func (s *StatusUpdate) Node() int64      { return s.NodeID }

type reportEnvelope struct {
	Type          ReportType   `json:"type"`
	NodeID        int64        `json:"vps_id"`
	StreamID      int64        `json:"stream_id,omitempty"`
	Status        StreamStatus `json:"status,omitempty"`
	Message       string       `json:"message,omitempty"`
	ProcessID     int          `json:"pid,omitempty"`
	ActiveStreams []int64      `json:"active_streams,omitempty"`
	AgentVersion  string       `json:"agent_version,omitempty"`
	CommandID     string       `json:"command_id,omitempty"`
	Timestamp     int64        `json:"timestamp,omitempty"`
}

// EncodeReport serializes a report into its JSON envelope
func EncodeReport(r Report) ([]byte, error) {
	switch rep := r.(type) {
	case *Heartbeat:
		active := rep.ActiveStreams
		if active == nil {
			active = []int64{}
		}
		return json.Marshal(struct {
			Type          ReportType `json:"type"`
			NodeID        int64      `json:"vps_id"`
			ActiveStreams []int64    `json:"active_streams"`
			AgentVersion  string     `json:"agent_version,omitempty"`
			CommandID     string     `json:"command_id,omitempty"`
			Timestamp     int64      `json:"timestamp"`
		}{ReportHeartbeat, rep.NodeID, active, rep.AgentVersion, rep.CommandID, unixOrZero(rep.Timestamp)})
	case *StatusUpdate:
		return json.Marshal(reportEnvelope{
			Type:      ReportStatusUpdate,
			NodeID:    rep.NodeID,
			StreamID:  rep.StreamID,
			Status:    rep.Status,
			Message:   rep.Message,
			ProcessID: rep.ProcessID,
			CommandID: rep.CommandID,
			Timestamp: unixOrZero(rep.Timestamp),
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownReport, r)
	}
}

// DecodeReport discriminates on the "type" field and parses the concrete
// report. A missing timestamp decodes as the zero time.
func DecodeReport(data []byte) (Report, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	kind := ReportType(gjson.GetBytes(data, "type").String())

	var env reportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var ts time.Time
	if env.Timestamp > 0 {
		ts = time.Unix(env.Timestamp, 0)
	}

	switch kind {
	case ReportHeartbeat:
		if env.NodeID == 0 {
			return nil, fmt.Errorf("%w: heartbeat without vps_id", ErrMalformed)
		}
		return &Heartbeat{
			NodeID:        env.NodeID,
			ActiveStreams: env.ActiveStreams,
			AgentVersion:  env.AgentVersion,
			CommandID:     env.CommandID,
			Timestamp:     ts,
		}, nil
	case ReportStatusUpdate:
		if env.StreamID == 0 || env.NodeID == 0 {
			return nil, fmt.Errorf("%w: status update without stream_id or vps_id", ErrMalformed)
		}
		if !env.Status.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrMalformed, env.Status)
		}
		return &StatusUpdate{
			StreamID:  env.StreamID,
			NodeID:    env.NodeID,
			Status:    env.Status,
			Message:   env.Message,
			ProcessID: env.ProcessID,
			CommandID: env.CommandID,
			Timestamp: ts,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReport, kind)
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
