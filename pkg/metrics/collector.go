package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

var streamStatuses = []types.StreamStatus{
	types.StreamStatusInactive,
	types.StreamStatusWaitingForProcessing,
	types.StreamStatusStarting,
	types.StreamStatusStreaming,
	types.StreamStatusStopping,
	types.StreamStatusStopped,
	types.StreamStatusCompleted,
	types.StreamStatusError,
}

// Collector periodically refreshes the fleet gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once. Store errors leave the previous values.
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c.collectStreamMetrics(ctx)
	c.collectNodeMetrics(ctx)
}

func (c *Collector) collectStreamMetrics(ctx context.Context) {
	streams, err := c.store.ListStreams(ctx)
	if err != nil {
		UpdateComponent(ComponentStore, false, err.Error())
		return
	}
	UpdateComponent(ComponentStore, true, "")

	counts := make(map[types.StreamStatus]int)
	for _, st := range streams {
		counts[st.Status]++
	}
	for _, status := range streamStatuses {
		StreamsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectNodeMetrics(ctx context.Context) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return
	}

	counts := make(map[types.NodeStatus]int)
	NodeStreams.Reset()
	NodeCapacity.Reset()
	for _, node := range nodes {
		counts[node.Status]++
		id := strconv.FormatInt(node.ID, 10)
		NodeStreams.WithLabelValues(id).Set(float64(node.CurrentStreams))
		NodeCapacity.WithLabelValues(id).Set(float64(node.CapacityCeiling))
	}

	NodesTotal.Reset()
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
