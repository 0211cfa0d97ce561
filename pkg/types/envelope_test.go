package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeStartStream(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	cmd := &StartStream{
		CommandMeta: CommandMeta{ID: "cmd-1", StreamID: 42, Reason: "scheduled", Timestamp: ts},
		Stream: StreamSpec{
			Title:   "Morning show",
			Sources: []string{"https://cdn.example.com/a.mp4"},
			RTMPURL: "rtmp://live.example.com/app",
			Loop:    true,
		},
	}

	data, err := EncodeCommand(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"command":"START_STREAM"`)
	assert.Contains(t, string(data), `"timestamp":1700000000`)

	decoded, err := DecodeCommand(data)
	require.NoError(t, err)
	start, ok := decoded.(*StartStream)
	require.True(t, ok, "expected *StartStream, got %T", decoded)
	assert.Equal(t, int64(42), start.StreamID)
	assert.Equal(t, "scheduled", start.Reason)
	assert.True(t, start.Stream.Loop)
	assert.Equal(t, ts, start.Timestamp)
}

func TestDecodeCommandUnknown(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"command":"REBOOT_PLANET","timestamp":1}`))
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	_, err = DecodeCommand([]byte(`{"command":"START_STREAM","timestamp":1}`))
	assert.True(t, errors.Is(err, ErrMalformed), "start without spec must be rejected")
}

func TestDecodeReport(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
		check   func(t *testing.T, r Report)
	}{
		{
			name:    "heartbeat",
			payload: `{"type":"HEARTBEAT","vps_id":7,"active_streams":[42,43],"agent_version":"1.4.0","timestamp":1700000000}`,
			check: func(t *testing.T, r Report) {
				hb := r.(*Heartbeat)
				assert.Equal(t, int64(7), hb.NodeID)
				assert.Equal(t, []int64{42, 43}, hb.ActiveStreams)
				assert.Equal(t, "1.4.0", hb.AgentVersion)
				assert.Equal(t, time.Unix(1700000000, 0), hb.Timestamp)
			},
		},
		{
			name:    "status update",
			payload: `{"type":"STATUS_UPDATE","vps_id":7,"stream_id":42,"status":"STREAMING","message":"ok","pid":991}`,
			check: func(t *testing.T, r Report) {
				su := r.(*StatusUpdate)
				assert.Equal(t, StreamStatusStreaming, su.Status)
				assert.Equal(t, 991, su.ProcessID)
				assert.True(t, su.Timestamp.IsZero())
			},
		},
		{
			name:    "not json",
			payload: `{"type":`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown type",
			payload: `{"type":"GOSSIP","vps_id":7}`,
			wantErr: ErrUnknownReport,
		},
		{
			name:    "status update with bogus status",
			payload: `{"type":"STATUS_UPDATE","vps_id":7,"stream_id":42,"status":"DANCING"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "heartbeat without node",
			payload: `{"type":"HEARTBEAT","active_streams":[]}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReport([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestEncodeHeartbeatEmptyList(t *testing.T) {
	data, err := EncodeReport(&Heartbeat{NodeID: 3})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active_streams":[]`)

	r, err := DecodeReport(data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Node())
}

func TestStreamStatusHelpers(t *testing.T) {
	assert.True(t, StreamStatusStarting.IsRunning())
	assert.True(t, StreamStatusStreaming.IsRunning())
	assert.False(t, StreamStatusStopping.IsRunning())
	assert.True(t, StreamStatusError.IsTerminal())
	assert.False(t, StreamStatusWaitingForProcessing.IsTerminal())
	assert.False(t, StreamStatus("BOGUS").Valid())
}

func TestStreamClone(t *testing.T) {
	s := &Stream{ID: 1, AssignedNodeID: Int64(7), Sources: []ContentRef{{ID: 1, URL: "a"}}}
	c := s.Clone()
	*c.AssignedNodeID = 9
	c.Sources[0].Ready = true
	assert.Equal(t, int64(7), *s.AssignedNodeID)
	assert.False(t, s.Sources[0].Ready)
	assert.True(t, s.AssignedTo(7))
}
