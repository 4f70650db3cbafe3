// Package gaps tracks contiguous ranges of the change-id space that have
// not yet been fully read by a channel's routing passes. Keeping unread
// ranges durable lets a crashed or interrupted pass resume without a full
// rescan and without skipping rows whose transactions committed late.
package gaps

import (
	"errors"
	"fmt"
	"time"

	"github.com/trickledb/trickle/datalog"
)

var (
	// ErrGapOverlap means the persisted gap set is overlapping or out of
	// order. This is corruption, not a recoverable condition; the pass
	// aborts and an operator has to intervene.
	ErrGapOverlap = errors.New("overlapping or unordered data gaps")

	// ErrGapInvalid means a gap range is inverted (start past end).
	ErrGapInvalid = errors.New("invalid data gap range")
)

// Gap is an inclusive [Start, End] range of change ids not yet confirmed
// read. CreateTime is when the gap was first observed; an empty gap only
// expires after a grace period from that moment, which is what tolerates
// a lower id committing after a higher id was already routed.
type Gap struct {
	Start      int64
	End        int64
	CreateTime time.Time
}

// Size returns the number of ids the gap covers.
func (g Gap) Size() int64 {
	return g.End - g.Start + 1
}

// Contains reports whether id falls inside the gap.
func (g Gap) Contains(id int64) bool {
	return id >= g.Start && id <= g.End
}

// Overlaps reports whether two gaps share any id.
func (g Gap) Overlaps(o Gap) bool {
	return g.Start <= o.End && o.Start <= g.End
}

func (g Gap) String() string {
	return fmt.Sprintf("[%d-%d]", g.Start, g.End)
}

// Ranges converts a gap list into scan ranges for the change log store.
func Ranges(gs []Gap) []datalog.IDRange {
	ranges := make([]datalog.IDRange, len(gs))
	for i, g := range gs {
		ranges[i] = datalog.IDRange{Start: g.Start, End: g.End}
	}
	return ranges
}

// validate checks ordering and range invariants over an ascending gap list.
func validate(gs []Gap) error {
	for i, g := range gs {
		if g.Start > g.End {
			return fmt.Errorf("%w: %s", ErrGapInvalid, g)
		}
		if i > 0 && gs[i-1].End >= g.Start {
			return fmt.Errorf("%w: %s then %s", ErrGapOverlap, gs[i-1], g)
		}
	}
	return nil
}
