// Package stats accumulates per-channel routing statistics. Counters are
// best effort: they live outside the routing transaction and a crash may
// lose the last pass's numbers, never the batches themselves.
package stats

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// PassStats is what one routing pass produced on one channel. The routing
// context fills it in and hands it over on commit.
type PassStats struct {
	EventsRead     int64
	EventsRouted   int64
	EventsUnrouted int64
	BatchesBuilt   int64
	BytesBatched   int64
	ElapsedMS      int64
}

// ChannelSnapshot is a point-in-time copy of one channel's counters.
type ChannelSnapshot struct {
	EventsRead     int64 `json:"events_read"`
	EventsRouted   int64 `json:"events_routed"`
	EventsUnrouted int64 `json:"events_unrouted"`
	BatchesBuilt   int64 `json:"batches_built"`
	BytesBatched   int64 `json:"bytes_batched"`
	Passes         int64 `json:"passes"`
	PassTimeMS     int64 `json:"pass_time_ms"`
	Errors         int64 `json:"errors"`
}

type channelCounters struct {
	eventsRead     atomic.Int64
	eventsRouted   atomic.Int64
	eventsUnrouted atomic.Int64
	batchesBuilt   atomic.Int64
	bytesBatched   atomic.Int64
	passes         atomic.Int64
	passTimeMS     atomic.Int64
	errors         atomic.Int64
}

// Counters holds the live per-channel totals. Safe for concurrent use by
// parallel channel passes. When a persistent store is attached, totals
// are mirrored there so they survive restarts.
type Counters struct {
	channels *xsync.MapOf[string, *channelCounters]
	persist  *Persistent
}

// NewCounters creates the counter set. persist may be nil.
func NewCounters(persist *Persistent) *Counters {
	return &Counters{
		channels: xsync.NewMapOf[string, *channelCounters](),
		persist:  persist,
	}
}

func (c *Counters) channel(channelID string) *channelCounters {
	cc, _ := c.channels.LoadOrStore(channelID, &channelCounters{})
	return cc
}

// RecordPass folds one committed pass into the channel's totals.
func (c *Counters) RecordPass(channelID string, ps PassStats) {
	cc := c.channel(channelID)
	cc.eventsRead.Add(ps.EventsRead)
	cc.eventsRouted.Add(ps.EventsRouted)
	cc.eventsUnrouted.Add(ps.EventsUnrouted)
	cc.batchesBuilt.Add(ps.BatchesBuilt)
	cc.bytesBatched.Add(ps.BytesBatched)
	cc.passes.Add(1)
	cc.passTimeMS.Add(ps.ElapsedMS)

	if c.persist != nil {
		c.persist.Add(channelID+".events_routed", ps.EventsRouted)
		c.persist.Add(channelID+".events_unrouted", ps.EventsUnrouted)
		c.persist.Add(channelID+".batches_built", ps.BatchesBuilt)
		c.persist.Add(channelID+".bytes_batched", ps.BytesBatched)
	}
}

// RecordError counts a rolled-back pass.
func (c *Counters) RecordError(channelID string) {
	c.channel(channelID).errors.Add(1)
	if c.persist != nil {
		c.persist.Add(channelID+".errors", 1)
	}
}

// Snapshot copies every channel's counters.
func (c *Counters) Snapshot() map[string]ChannelSnapshot {
	out := make(map[string]ChannelSnapshot)
	c.channels.Range(func(id string, cc *channelCounters) bool {
		out[id] = ChannelSnapshot{
			EventsRead:     cc.eventsRead.Load(),
			EventsRouted:   cc.eventsRouted.Load(),
			EventsUnrouted: cc.eventsUnrouted.Load(),
			BatchesBuilt:   cc.batchesBuilt.Load(),
			BytesBatched:   cc.bytesBatched.Load(),
			Passes:         cc.passes.Load(),
			PassTimeMS:     cc.passTimeMS.Load(),
			Errors:         cc.errors.Load(),
		}
		return true
	})
	return out
}

// Lifetime returns the persisted total for one counter, zero when no
// persistent store is attached.
func (c *Counters) Lifetime(name string) int64 {
	if c.persist == nil {
		return 0
	}
	v, err := c.persist.Get(name)
	if err != nil {
		log.Warn().Err(err).Str("counter", name).Msg("Unable to read lifetime counter")
		return 0
	}
	return v
}
