package lifecycle

import (
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Action names a lifecycle transition
type Action string

const (
	ActionStart      Action = "start"
	ActionWait       Action = "wait_for_content"
	ActionProgress   Action = "progress"
	ActionPromote    Action = "promote"
	ActionStop       Action = "stop"
	ActionDeactivate Action = "deactivate"
	ActionStopped    Action = "stopped"
	ActionCompleted  Action = "completed"
	ActionFail       Action = "fail"
	ActionForceStop  Action = "force_stop"
)

// Transition is one row of the table. Release clears the node assignment.
type Transition struct {
	From    []types.StreamStatus
	To      types.StreamStatus
	Release bool
}

var (
	idle = []types.StreamStatus{
		types.StreamStatusInactive,
		types.StreamStatusStopped,
		types.StreamStatusError,
		types.StreamStatusCompleted,
		types.StreamStatusWaitingForProcessing,
	}
	live = []types.StreamStatus{
		types.StreamStatusStarting,
		types.StreamStatusStreaming,
		types.StreamStatusStopping,
	}
)

// Table is the only definition of which status may follow which
var Table = map[Action]Transition{
	ActionStart:    {From: idle, To: types.StreamStatusStarting},
	ActionWait:     {From: idle, To: types.StreamStatusWaitingForProcessing, Release: true},
	ActionProgress: {From: []types.StreamStatus{types.StreamStatusStarting}, To: types.StreamStatusStarting},
	// An agent proving a stream runs heals it from almost anywhere
	ActionPromote: {
		From: []types.StreamStatus{
			types.StreamStatusStarting,
			types.StreamStatusStreaming,
			types.StreamStatusStopping,
			types.StreamStatusError,
		},
		To: types.StreamStatusStreaming,
	},
	ActionStop: {
		From: []types.StreamStatus{types.StreamStatusStarting, types.StreamStatusStreaming},
		To:   types.StreamStatusStopping,
	},
	ActionDeactivate: {
		From: []types.StreamStatus{
			types.StreamStatusWaitingForProcessing,
			types.StreamStatusError,
			types.StreamStatusStarting,
			types.StreamStatusStreaming,
		},
		To:      types.StreamStatusInactive,
		Release: true,
	},
	ActionStopped:   {From: live, To: types.StreamStatusStopped, Release: true},
	ActionCompleted: {From: live, To: types.StreamStatusCompleted, Release: true},
	ActionFail: {
		From:    append([]types.StreamStatus{types.StreamStatusWaitingForProcessing}, live...),
		To:      types.StreamStatusError,
		Release: true,
	},
	ActionForceStop: {From: []types.StreamStatus{types.StreamStatusStopping}, To: types.StreamStatusInactive, Release: true},
}

// Allowed reports whether action may be applied to a stream in status from
func Allowed(action Action, from types.StreamStatus) bool {
	t, ok := Table[action]
	if !ok {
		return false
	}
	for _, s := range t.From {
		if s == from {
			return true
		}
	}
	return false
}
