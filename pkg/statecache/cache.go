package statecache

import (
	"context"
	"strconv"
	"time"
)

// DefaultKeyPrefix is the key namespace agents' state is stored under
const DefaultKeyPrefix = "agent_state:"

// Cache holds each node's most recently reported set of running stream ids.
// Entries are observations, not truth: they expire after a TTL and a miss
// reads as "nothing known to be running".
type Cache interface {
	// SetActiveStreams replaces the node's set and refreshes its TTL
	SetActiveStreams(ctx context.Context, nodeID int64, ids []int64, ttl time.Duration) error
	// ActiveStreams returns the node's set; found is false on a miss or expiry
	ActiveStreams(ctx context.Context, nodeID int64) (ids []int64, found bool, err error)
	// Clear removes the node's entry
	Clear(ctx context.Context, nodeID int64) error
}

// Entry is the cached value
type Entry struct {
	ActiveStreams []int64 `json:"active_streams"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Contains reports whether ids holds id
func Contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func key(prefix string, nodeID int64) string {
	return prefix + strconv.FormatInt(nodeID, 10)
}
