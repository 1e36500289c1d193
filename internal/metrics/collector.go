// Package metrics samples process-level health (CPU, memory) together
// with realtime counters and publishes performance_metrics events to
// system_events subscribers on a fixed interval.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/dispatch"
	"github.com/evowire/backend/internal/event"
	"github.com/evowire/backend/internal/registry"
)

// Target is the registry surface the collector reads and publishes
// through.
type Target interface {
	Stats() registry.Stats
	BroadcastToSubscription(sub event.Subscription, ev *event.Event) int
}

// Collector periodically emits performance snapshots.
type Collector struct {
	target     Target
	dispatcher *dispatch.Manager
	interval   time.Duration
	log        *zap.Logger

	lastMessages int64
	lastSample   time.Time
}

// NewCollector builds a collector publishing every interval.
func NewCollector(target Target, dispatcher *dispatch.Manager, interval time.Duration, log *zap.Logger) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		target:     target,
		dispatcher: dispatcher,
		interval:   interval,
		log:        log,
		lastSample: time.Now(),
	}
}

// Start runs the sampling loop until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("metrics collector stopped")
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

func (c *Collector) sample(ctx context.Context) {
	cpuPercent := 0.0
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		c.log.Debug("cpu sample failed", zap.Error(err))
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	} else {
		c.log.Debug("memory sample failed", zap.Error(err))
	}

	stats := c.target.Stats()
	now := time.Now()
	elapsed := now.Sub(c.lastSample).Seconds()
	perSecond := 0.0
	if elapsed > 0 {
		perSecond = float64(stats.TotalMessages-c.lastMessages) / elapsed
	}
	c.lastMessages = stats.TotalMessages
	c.lastSample = now

	dispatchStats := c.dispatcher.Stats()
	ev := event.NewPerformanceEvent(
		cpuPercent,
		memPercent,
		stats.ActiveConnections,
		perSecond,
		dispatchStats.AvgProcessingMs,
	)
	c.target.BroadcastToSubscription(event.SubscriptionSystemEvents, ev)
}
