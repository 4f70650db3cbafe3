package gaps

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/telemetry"
)

// LogReader is the slice of the change log store the tracker needs for
// its safety checks. Satisfied by *datalog.Store.
type LogReader interface {
	MaxEventID(q datalog.Querier) (int64, error)
	CountInRange(q datalog.Querier, lo, hi int64) (int64, error)
}

// Tracker computes and persists per-channel gap state. All reads and
// writes go through the pass transaction so gap state and batch state
// commit or roll back together.
type Tracker struct {
	logs       LogReader
	grace      time.Duration
	maxGapSize int64

	now func() time.Time // test hook
}

// NewTracker creates a tracker. grace is how long an empty gap survives
// after it was first observed before it may be declared closed; the exact
// value is a tunable balancing reread cost against commit-visibility skew.
func NewTracker(logs LogReader, grace time.Duration, maxGapSize int64) *Tracker {
	return &Tracker{
		logs:       logs,
		grace:      grace,
		maxGapSize: maxGapSize,
		now:        time.Now,
	}
}

// CurrentGaps returns the channel's persisted gaps ascending by start.
// A channel with no recorded state gets a single full-range gap so the
// first pass scans the log from the beginning.
func (t *Tracker) CurrentGaps(tx datalog.Querier, channelID string) ([]Gap, error) {
	rows, err := tx.Query(`SELECT start_id, end_id, create_time FROM trk_data_gap
		WHERE channel_id = ? ORDER BY start_id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load data gaps: %w", err)
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		var createMS int64
		if err := rows.Scan(&g.Start, &g.End, &createMS); err != nil {
			return nil, fmt.Errorf("failed to read data gap: %w", err)
		}
		g.CreateTime = time.UnixMilli(createMS)
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("data gap load aborted: %w", err)
	}

	if len(gaps) == 0 {
		return t.seedGaps(tx)
	}

	if err := validate(gaps); err != nil {
		t.logGapState(channelID, gaps, nil)
		return nil, err
	}
	return gaps, nil
}

// seedGaps builds the initial gap covering the whole known id space plus
// the open tail. Nothing is persisted until the first pass commits.
func (t *Tracker) seedGaps(tx datalog.Querier) ([]Gap, error) {
	maxID, err := t.logs.MaxEventID(tx)
	if err != nil {
		return nil, err
	}
	end := t.maxGapSize
	if maxID+t.maxGapSize > end {
		end = maxID + t.maxGapSize
	}
	return []Gap{{Start: 1, End: end, CreateTime: t.now()}}, nil
}

// RecordGapsAfterPass recomputes the gap set from what a pass actually
// observed, persists it, and returns the new set. observed holds the ids
// the pass consumed: every id scanned, including other channels' rows,
// minus any ids the caller withheld (a trailing incomplete transaction on
// a batch-by-txn channel) so those stay inside open gaps. allRead is
// false when the pass stopped early (row limit or deadline); in that
// case empty gaps are only expired after a confirming recount.
func (t *Tracker) RecordGapsAfterPass(tx datalog.Querier, channelID string,
	prior []Gap, observed []int64, allRead bool) ([]Gap, error) {

	now := t.now()
	sort.Slice(observed, func(i, j int) bool { return observed[i] < observed[j] })

	var next []Gap
	var expired []Gap

	for gi, gap := range prior {
		isLast := gi == len(prior)-1
		ids := idsWithin(observed, gap)

		if len(ids) == 0 {
			if isLast {
				// Untouched open tail, keep as-is.
				next = append(next, gap)
				continue
			}
			keep, err := t.shouldKeepEmptyGap(tx, gap, now, allRead)
			if err != nil {
				return nil, err
			}
			if keep {
				next = append(next, gap)
			} else {
				expired = append(expired, gap)
			}
			continue
		}

		cursor := gap.Start
		lastID := int64(-1)
		for _, id := range ids {
			if id > cursor {
				sub := Gap{Start: cursor, End: id - 1, CreateTime: now}
				if gap.Start == cursor {
					// Head sub-gap keeps the original observation time so
					// the grace clock is not reset by every pass.
					sub.CreateTime = gap.CreateTime
				}
				next = append(next, sub)
			}
			cursor = id + 1
			lastID = id
		}
		if isLast {
			// Fresh open-ended tail past the highest id seen in the old one.
			next = append(next, Gap{Start: lastID + 1, End: lastID + t.maxGapSize, CreateTime: now})
		} else if cursor <= gap.End {
			next = append(next, Gap{Start: cursor, End: gap.End, CreateTime: now})
		}
	}

	if err := validate(next); err != nil {
		t.logGapState(channelID, prior, next)
		return nil, err
	}

	if err := t.save(tx, channelID, next, now); err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		telemetry.ExpiredGaps.With(channelID).Add(float64(len(expired)))
		log.Info().
			Str("channel", channelID).
			Int("count", len(expired)).
			Int64("first_start", expired[0].Start).
			Int64("last_end", expired[len(expired)-1].End).
			Msg("Expired empty data gaps")
	}
	return next, nil
}

// shouldKeepEmptyGap applies the grace period and, when the pass did not
// read everything, a recount of the range. A row landing in the range
// after the scan means a writer committed late; the gap must survive.
func (t *Tracker) shouldKeepEmptyGap(tx datalog.Querier, gap Gap, now time.Time, allRead bool) (bool, error) {
	if now.Sub(gap.CreateTime) <= t.grace {
		return true, nil
	}
	if allRead {
		return false, nil
	}
	n, err := t.logs.CountInRange(tx, gap.Start, gap.End)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// save replaces the channel's persisted gap set inside the pass transaction.
func (t *Tracker) save(tx datalog.Querier, channelID string, gaps []Gap, now time.Time) error {
	if _, err := tx.Exec(`DELETE FROM trk_data_gap WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("failed to clear data gaps: %w", err)
	}
	for _, g := range gaps {
		_, err := tx.Exec(`INSERT INTO trk_data_gap
			(channel_id, start_id, end_id, create_time, last_update_time)
			VALUES (?, ?, ?, ?, ?)`,
			channelID, g.Start, g.End, g.CreateTime.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to persist data gap %s: %w", g, err)
		}
	}
	return nil
}

func (t *Tracker) logGapState(channelID string, prior, next []Gap) {
	log.Error().
		Str("channel", channelID).
		Interface("prior_gaps", prior).
		Interface("next_gaps", next).
		Msg("Data gap invariant violated")
}

// idsWithin returns the slice of sorted ids falling inside gap.
func idsWithin(sorted []int64, gap Gap) []int64 {
	lo := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= gap.Start })
	hi := sort.Search(len(sorted), func(i int) bool { return sorted[i] > gap.End })
	return sorted[lo:hi]
}
