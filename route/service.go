package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/cluster"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/gaps"
	"github.com/trickledb/trickle/registry"
	"github.com/trickledb/trickle/stats"
	"github.com/trickledb/trickle/telemetry"
)

// Notifier receives sealed batches after the pass that produced them
// committed. Implementations must not block the routing workers for long.
type Notifier interface {
	BatchesSealed(channelID string, batches []*OutgoingBatch)
}

// Options bound one routing pass. Zero values fall back to the defaults
// in cfg.
type Options struct {
	MaxEventsPerPass int
	MaxGapsPerQuery  int
	PassTimeout      time.Duration
	DefaultMaxBatch  int
	DefaultMaxBytes  int64
	FlushEventRows   int
	Workers          int
}

// Service drives routing passes: channels in priority order, one pass per
// channel per invocation, channels routed in parallel by a bounded worker
// pool. A channel is only ever routed under its cluster lock.
type Service struct {
	store    *datalog.Store
	tracker  *gaps.Tracker
	registry *registry.Registry
	locks    *cluster.LockManager
	routers  Routers
	counters *stats.Counters
	notifier Notifier
	nodeID   string
	opts     Options
}

// NewService wires the routing core together. notifier may be nil.
func NewService(store *datalog.Store, tracker *gaps.Tracker, reg *registry.Registry,
	locks *cluster.LockManager, routers Routers, counters *stats.Counters,
	notifier Notifier, nodeID string, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Service{
		store:    store,
		tracker:  tracker,
		registry: reg,
		locks:    locks,
		routers:  routers,
		counters: counters,
		notifier: notifier,
		nodeID:   nodeID,
		opts:     opts,
	}
}

// RouteAll runs one routing pass over every enabled channel. Channels are
// dispatched in priority order to a bounded worker pool; each channel
// commits or rolls back on its own, so one failing channel does not stop
// the others. The first error is returned after every channel finishes.
func (s *Service) RouteAll(ctx context.Context) error {
	snap, err := s.registry.Snapshot(s.store.DB())
	if err != nil {
		return fmt.Errorf("failed to snapshot routing configuration: %w", err)
	}

	channels := snap.ChannelsByPriority()
	if len(channels) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.opts.Workers)
	futures := make([]*future.Future[error], len(channels))
	for i, channel := range channels {
		p := future.NewPromise[error]()
		futures[i] = p.Future()
		sem <- struct{}{}
		go func(channel registry.Channel, p *future.Promise[error]) {
			defer func() { <-sem }()
			p.Set(nil, s.RouteChannel(ctx, snap, channel))
		}(channel, p)
	}

	var firstErr error
	for i, f := range futures {
		if _, err := f.Get(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("channel %s: %w", channels[i].ID, err)
		}
	}
	return firstErr
}

// RouteChannel runs one routing pass over one channel. Skips silently
// when another node holds the channel lock.
func (s *Service) RouteChannel(ctx context.Context, snap *registry.Snapshot, channel registry.Channel) error {
	lock, err := s.locks.Acquire(channel.ID)
	if errors.Is(err, cluster.ErrLockHeld) {
		telemetry.LockContention.With(channel.ID).Inc()
		log.Debug().Str("channel", channel.ID).Msg("Channel locked elsewhere, skipping pass")
		return nil
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	// The lease is validated to outlast the pass timeout, so no mid-pass
	// refresh is needed; a pass never outlives its lock.
	started := time.Now()
	passStats, err := s.routeLocked(ctx, snap, channel)
	elapsed := time.Since(started)

	if err != nil {
		s.counters.RecordError(channel.ID)
		telemetry.RoutingErrors.With(channel.ID).Inc()
		log.Error().Err(err).
			Str("channel", channel.ID).
			Dur("elapsed", elapsed).
			Msg("Routing pass failed, rolled back")
		return err
	}

	passStats.ElapsedMS = elapsed.Milliseconds()
	s.counters.RecordPass(channel.ID, passStats)
	telemetry.EventsRouted.With(channel.ID).Add(float64(passStats.EventsRouted))
	telemetry.EventsUnrouted.With(channel.ID).Add(float64(passStats.EventsUnrouted))
	telemetry.BatchesSealed.With(channel.ID).Add(float64(passStats.BatchesBuilt))
	telemetry.PassDuration.With(channel.ID).Observe(elapsed.Seconds())
	if passStats.EventsRead > 0 {
		log.Info().
			Str("channel", channel.ID).
			Int64("events_read", passStats.EventsRead).
			Int64("events_routed", passStats.EventsRouted).
			Int64("events_unrouted", passStats.EventsUnrouted).
			Int64("batches", passStats.BatchesBuilt).
			Dur("elapsed", elapsed).
			Msg("Routing pass committed")
	}
	return nil
}

func (s *Service) routeLocked(ctx context.Context, snap *registry.Snapshot,
	channel registry.Channel) (stats.PassStats, error) {

	var deadline time.Time
	if s.opts.PassTimeout > 0 {
		deadline = time.Now().Add(s.opts.PassTimeout)
	}

	rc, err := OpenContext(ctx, s.store, snap, channel, s.nodeID, deadline)
	if err != nil {
		return stats.PassStats{}, err
	}
	defer rc.Cleanup()

	prior, err := s.tracker.CurrentGaps(rc.Tx(), channel.ID)
	if err != nil {
		return stats.PassStats{}, err
	}

	ranges := gaps.Ranges(prior)
	partial := false
	if s.opts.MaxGapsPerQuery > 0 && len(ranges) > s.opts.MaxGapsPerQuery {
		ranges = ranges[:s.opts.MaxGapsPerQuery]
		partial = true
	}
	scan, err := s.store.ScanRanges(rc.Tx(), channel.ID, ranges, s.opts.MaxEventsPerPass)
	if err != nil {
		return stats.PassStats{}, err
	}

	// incomplete means higher ids may exist beyond what this pass saw, so
	// the trailing transaction cannot be declared finished.
	incomplete := scan.Truncated || partial
	events, withheld := withholdTrailingTxn(scan.Events, channel.BatchByTxn && incomplete)

	maxEvents := channel.MaxBatchSize
	if maxEvents == 0 {
		maxEvents = s.opts.DefaultMaxBatch
	}
	maxBytes := int64(channel.MaxBatchBytes)
	if maxBytes == 0 {
		maxBytes = s.opts.DefaultMaxBytes
	}
	builder := NewBuilder(rc, maxEvents, maxBytes, s.opts.FlushEventRows)

	for i, ev := range events {
		rc.Stats.EventsRead++
		rc.RecordTransactionBoundary(ev)

		if err := s.routeEvent(rc, builder, snap, channel, ev); err != nil {
			return stats.PassStats{}, err
		}

		if txnCompleteAt(events, i, incomplete) {
			if err := builder.TransactionBoundary(); err != nil {
				return stats.PassStats{}, err
			}
		}
	}

	if err := builder.SealOpen(); err != nil {
		return stats.PassStats{}, err
	}

	observed := scan.Observed
	if len(withheld) > 0 {
		observed = observed[:0:0]
		for _, id := range scan.Observed {
			if !withheld[id] {
				observed = append(observed, id)
			}
		}
	}
	if _, err := s.tracker.RecordGapsAfterPass(rc.Tx(), channel.ID, prior, observed, !incomplete); err != nil {
		return stats.PassStats{}, err
	}

	if err := rc.Commit(); err != nil {
		return stats.PassStats{}, err
	}

	for _, batch := range rc.SealedBatches() {
		telemetry.BatchEvents.Observe(float64(batch.EventCount()))
	}
	if s.notifier != nil && len(rc.SealedBatches()) > 0 {
		s.notifier.BatchesSealed(channel.ID, rc.SealedBatches())
	}
	return rc.Stats, nil
}

// routeEvent resolves the bindings for the event's table and feeds every
// routed (event, node) pair to the builder. An event that no binding or
// policy sends anywhere still counts as read so its gap closes.
func (s *Service) routeEvent(rc *Context, builder *Builder, snap *registry.Snapshot,
	channel registry.Channel, ev *datalog.ChangeEvent) error {

	bindings := snap.TriggerRoutersForTable(channel.ID, ev.Table)
	routed := false
	for _, binding := range bindings {
		router := s.routers.ForType(binding.RouterType)
		rc.MarkRouterUsed(binding.RouterID, router)

		candidates := snap.CandidateNodes(binding.TargetGroupID, s.nodeID, ev.SourceNodeID)
		nodeIDs, err := router.Route(rc, ev, binding, candidates)
		if err != nil {
			return fmt.Errorf("event %d via router %s: %w", ev.ID, binding.RouterID, err)
		}
		for _, nodeID := range nodeIDs {
			if err := builder.Append(ev, nodeID, binding.RouterID); err != nil {
				return err
			}
			routed = true
		}
	}

	if routed {
		rc.Stats.EventsRouted++
	} else {
		rc.Stats.EventsUnrouted++
	}
	return nil
}

// txnCompleteAt reports whether event i is the last of its source
// transaction. Capture writes a transaction's log rows atomically, so one
// transaction's ids form a contiguous run in the scan; the run ends when
// the next event carries a different transaction id. The final run of a
// truncated scan may continue past the cutoff, so it is not complete.
func txnCompleteAt(events []*datalog.ChangeEvent, i int, truncated bool) bool {
	ev := events[i]
	if ev.TxnID == "" {
		return true
	}
	if i+1 < len(events) {
		return events[i+1].TxnID != ev.TxnID
	}
	return !truncated
}

// withholdTrailingTxn drops the possibly incomplete trailing transaction
// from a truncated scan on a batch-by-transaction channel. The withheld
// ids stay inside an open gap and are re-read whole on the next pass.
func withholdTrailingTxn(events []*datalog.ChangeEvent, active bool) ([]*datalog.ChangeEvent, map[int64]bool) {
	if !active || len(events) == 0 {
		return events, nil
	}
	lastTxn := events[len(events)-1].TxnID
	if lastTxn == "" {
		return events, nil
	}
	cut := len(events)
	for cut > 0 && events[cut-1].TxnID == lastTxn {
		cut--
	}
	withheld := make(map[int64]bool, len(events)-cut)
	for _, ev := range events[cut:] {
		withheld[ev.ID] = true
	}
	return events[:cut], withheld
}
