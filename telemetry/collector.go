package telemetry

import (
	"sync"
	"time"
)

// StatsProvider interface for components that expose point-in-time stats
type StatsProvider interface {
	ConnectionCount() int
	SubscriptionCount() int
	LastRevision() (uint64, error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	ConnectionsActive.Set(float64(mc.provider.ConnectionCount()))
	SubscriptionsActive.Set(float64(mc.provider.SubscriptionCount()))

	if rev, err := mc.provider.LastRevision(); err == nil {
		ChangeLogRevision.Set(float64(rev))
	}
}
