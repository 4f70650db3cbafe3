package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// GapCounter reports the persisted gap count per channel.
type GapCounter interface {
	GapCounts() (map[string]int, error)
}

// MetricsCollector periodically exports gap-table state to gauges. Pass
// counters update inline; gap counts live in the store and are sampled.
type MetricsCollector struct {
	gapCounter GapCounter
	interval   time.Duration
	lastSeen   map[string]struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling every interval.
func NewMetricsCollector(gapCounter GapCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		gapCounter: gapCounter,
		interval:   interval,
		lastSeen:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector.
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
	if mc.gapCounter == nil {
		return
	}
	counts, err := mc.gapCounter.GapCounts()
	if err != nil {
		log.Warn().Err(err).Msg("Unable to sample gap counts")
		return
	}

	// A channel whose gap rows are all gone drops out of the query;
	// its gauge has to fall to zero, not freeze at the last sample.
	for channel := range mc.lastSeen {
		if _, ok := counts[channel]; !ok {
			OpenGaps.With(channel).Set(0)
		}
	}

	mc.lastSeen = make(map[string]struct{}, len(counts))
	for channel, count := range counts {
		OpenGaps.With(channel).Set(float64(count))
		mc.lastSeen[channel] = struct{}{}
	}
}
