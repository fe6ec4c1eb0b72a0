package metrics

import (
	"time"

	"github.com/loomworks/loom/pkg/dedup"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Source bundles the engine components the collector samples
type Source struct {
	Store      storage.Store
	Registry   *provider.Registry
	Ledger     *quota.Ledger
	Cache      *dedup.Cache
	Broker     *events.Broker
	QueueDepth func() int
}

// Collector periodically samples engine state into the registered gauges
type Collector struct {
	src    Source
	stopCh chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(src Source) *Collector {
	return &Collector{
		src:    src,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	c.collectTasks()
	c.collectProviders()
	c.collectRuns()

	if c.src.Cache != nil {
		DedupEntries.Set(float64(c.src.Cache.Len()))
	}
	if c.src.Broker != nil {
		_, dropped := c.src.Broker.Stats()
		EventsDropped.Set(float64(dropped))
	}
	if c.src.QueueDepth != nil {
		QueueDepth.Set(float64(c.src.QueueDepth()))
	}
}

func (c *Collector) collectTasks() {
	tasks, err := c.src.Store.ListTasks()
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for _, s := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusRunning,
		types.TaskStatusSucceeded, types.TaskStatusFailed, types.TaskStatusCancelled,
		types.TaskStatusDeadLettered,
	} {
		TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) collectProviders() {
	infos := c.src.Registry.List()
	states := make(map[types.ProviderState]int)
	for _, info := range infos {
		states[info.Health.State]++
		ProviderInFlight.WithLabelValues(info.Spec.ID).Set(float64(info.InFlight))

		if c.src.Ledger != nil {
			for _, rec := range c.src.Ledger.Snapshot(info.Spec.ID) {
				QuotaUsed.WithLabelValues(rec.ProviderID, rec.SubKey).Set(float64(rec.Used))
				QuotaLimit.WithLabelValues(rec.ProviderID, rec.SubKey).Set(float64(rec.Limit))
			}
		}
	}
	for _, s := range []types.ProviderState{
		types.ProviderHealthy, types.ProviderDegraded, types.ProviderUnhealthy,
	} {
		ProvidersByState.WithLabelValues(string(s)).Set(float64(states[s]))
	}
}

func (c *Collector) collectRuns() {
	workflows, err := c.src.Store.ListWorkflows()
	if err != nil {
		return
	}
	counts := make(map[types.RunStatus]int)
	for _, wf := range workflows {
		runs, err := c.src.Store.ListRunsByWorkflow(wf.ID)
		if err != nil {
			continue
		}
		for _, r := range runs {
			counts[r.Status]++
		}
	}
	for status, count := range counts {
		RunsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
