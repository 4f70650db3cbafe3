package stats

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Persistent is a write-through cached counter store backed by Pebble.
// Values load lazily on first access and every update is written back
// immediately, so lifetime totals survive restarts.
type Persistent struct {
	db       *pebble.DB
	counters *xsync.MapOf[string, *atomic.Int64]
}

// OpenPersistent opens or creates the counter store at dir.
func OpenPersistent(dir string) (*Persistent, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Persistent{
		db:       db,
		counters: xsync.NewMapOf[string, *atomic.Int64](),
	}, nil
}

func counterKey(name string) []byte {
	return append([]byte("ctr."), name...)
}

func (p *Persistent) load(name string) *atomic.Int64 {
	if entry, ok := p.counters.Load(name); ok {
		return entry
	}

	entry := &atomic.Int64{}
	value, closer, err := p.db.Get(counterKey(name))
	if err == nil {
		if len(value) >= 8 {
			entry.Store(int64(binary.BigEndian.Uint64(value)))
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		log.Warn().Err(err).Str("counter", name).Msg("Unable to load counter, starting at zero")
	}

	actual, _ := p.counters.LoadOrStore(name, entry)
	return actual
}

// Add bumps a counter and writes the new value through.
func (p *Persistent) Add(name string, delta int64) {
	if delta == 0 {
		return
	}
	value := p.load(name).Add(delta)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	// NoSync keeps counter updates off the commit path; a crash loses at
	// most the unsynced tail.
	if err := p.db.Set(counterKey(name), buf, pebble.NoSync); err != nil {
		log.Warn().Err(err).Str("counter", name).Msg("Unable to persist counter")
	}
}

// Get returns the current value of a counter.
func (p *Persistent) Get(name string) (int64, error) {
	return p.load(name).Load(), nil
}

// Close flushes and closes the underlying store.
func (p *Persistent) Close() error {
	if err := p.db.Flush(); err != nil {
		log.Warn().Err(err).Msg("Unable to flush counter store")
	}
	return p.db.Close()
}
