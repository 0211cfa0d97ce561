package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Record is the delivery state of one sent command
type Record struct {
	ID        string
	NodeID    int64
	StreamID  int64
	Name      types.CommandName
	Command   types.Command
	SentAt    time.Time
	Delivered int64
	AckedAt   *time.Time
	Result    string
	Reissued  bool
}

// Acked reports whether the agent has acknowledged the command
func (r *Record) Acked() bool {
	return r.AckedAt != nil
}

// Tracker remembers sent commands so acks can be matched, duplicates
// suppressed and late acks detected. Records are kept for ten ack timeouts.
type Tracker struct {
	mu         sync.Mutex
	records    gcache.Cache
	clock      gcache.Clock
	ackTimeout time.Duration
	retention  time.Duration
}

// NewTracker creates a tracker. clock may be nil for the real clock.
func NewTracker(ackTimeout time.Duration, clock gcache.Clock) *Tracker {
	if clock == nil {
		clock = gcache.NewRealClock()
	}
	return &Tracker{
		records:    gcache.New(4096).LRU().Clock(clock).Build(),
		clock:      clock,
		ackTimeout: ackTimeout,
		retention:  10 * ackTimeout,
	}
}

// AckTimeout returns the staleness threshold
func (t *Tracker) AckTimeout() time.Duration {
	return t.ackTimeout
}

// Track records a command that was just published
func (t *Tracker) Track(nodeID int64, cmd types.Command, delivered int64) *Record {
	meta := cmd.Meta()
	rec := &Record{
		ID:        meta.ID,
		NodeID:    nodeID,
		StreamID:  meta.StreamID,
		Name:      cmd.Name(),
		Command:   cmd,
		SentAt:    t.clock.Now(),
		Delivered: delivered,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.records.SetWithExpire(rec.ID, rec, t.retention)
	return rec
}

// Ack marks a command acknowledged. It returns false for unknown or
// already-expired ids.
func (t *Tracker) Ack(id, result string) bool {
	if id == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	v, err := t.records.Get(id)
	if err != nil {
		return false
	}
	rec := v.(*Record)
	if rec.AckedAt == nil {
		now := t.clock.Now()
		rec.AckedAt = &now
		rec.Result = result
	}
	return true
}

// Get returns a copy of the record for id
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, err := t.records.Get(id)
	if err != nil {
		return Record{}, false
	}
	return *v.(*Record), true
}

// Pending reports whether an unacknowledged command with this name for
// (node, stream) was delivered within the ack timeout.
func (t *Tracker) Pending(nodeID, streamID int64, name types.CommandName) bool {
	now := t.clock.Now()
	for _, rec := range t.snapshot() {
		if rec.NodeID == nodeID && rec.StreamID == streamID && rec.Name == name &&
			!rec.Acked() && rec.Delivered > 0 && now.Sub(rec.SentAt) < t.ackTimeout {
			return true
		}
	}
	return false
}

// Stale returns delivered commands still unacknowledged after the ack
// timeout, oldest first.
func (t *Tracker) Stale(now time.Time) []Record {
	var stale []Record
	for _, rec := range t.snapshot() {
		if !rec.Acked() && rec.Delivered > 0 && now.Sub(rec.SentAt) >= t.ackTimeout {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SentAt.Before(stale[j].SentAt) })
	return stale
}

// MarkReissued flags a record so a delayed ack is only retried once
func (t *Tracker) MarkReissued(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, err := t.records.Get(id); err == nil {
		v.(*Record).Reissued = true
	}
}

func (t *Tracker) snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := t.records.GetALL(true)
	out := make([]Record, 0, len(all))
	for _, v := range all {
		out = append(out, *v.(*Record))
	}
	return out
}
