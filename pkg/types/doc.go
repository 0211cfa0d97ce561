/*
Package types defines the data model shared by every ezstream package.

# Desired vs actual state

Stream is the durable desired state: its Status column is the control plane's
intent, and AssignedNodeID names the single node allowed to run it. Node is a
VPS running a streaming agent; CurrentStreams is a cached aggregate that the
reconciler recomputes from the stream table.

What agents actually run is never stored here. Agents publish Heartbeat
reports listing active stream ids, and those land in the TTL-bounded agent
state cache (package statecache) as observations only.

# Envelopes

Commands and reports travel as JSON over pub/sub channels. Both are closed sum
types: Command is implemented by StartStream, StopStream, ForceKillStream,
SyncState, RefreshSettings and RestartAgent; Report by Heartbeat and
StatusUpdate. EncodeCommand/DecodeCommand and EncodeReport/DecodeReport hold
the only type switches over those sets, so an unknown name fails with
ErrUnknownCommand or ErrUnknownReport in one place:

	payload, err := types.EncodeCommand(&types.StopStream{
		CommandMeta: types.CommandMeta{ID: id, StreamID: 42, Reason: "schedule ended"},
	})

	report, err := types.DecodeReport(msg)
	switch r := report.(type) {
	case *types.Heartbeat:
		// r.ActiveStreams
	case *types.StatusUpdate:
		// r.Status
	}
*/
package types
