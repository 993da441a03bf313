package metrics

import (
	"context"
	"time"

	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/store"
)

// Collector periodically samples the durable store and worker registry into
// the job/worker gauges, adapted from the teacher's Raft/node/service
// collector loop (pkg/metrics.Collector in the original tree) against
// conductor's job-and-worker domain instead of containers and Raft peers.
type Collector struct {
	store    store.Store
	registry *registry.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a Collector sampling every interval (15s if zero).
func NewCollector(st store.Store, reg *registry.Registry, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{store: st, registry: reg, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting in the background.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	c.collectJobMetrics(ctx)
	c.collectWorkerMetrics(ctx)
}

func (c *Collector) collectJobMetrics(ctx context.Context) {
	counts, err := c.store.CountJobsByState(ctx)
	if err != nil {
		return
	}
	for state, count := range counts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	workers, err := c.registry.ListLive(ctx)
	if err != nil {
		return
	}
	WorkersLive.Set(float64(len(workers)))

	total, err := c.registry.TotalCPUs(ctx)
	if err != nil {
		return
	}
	TotalCPUs.Set(float64(total))
}
