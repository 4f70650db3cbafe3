package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordPassAccumulates(t *testing.T) {
	c := NewCounters(nil)
	c.RecordPass("default", PassStats{EventsRead: 10, EventsRouted: 8, EventsUnrouted: 2, BatchesBuilt: 1, BytesBatched: 512})
	c.RecordPass("default", PassStats{EventsRead: 5, EventsRouted: 5, BatchesBuilt: 2, BytesBatched: 128})
	c.RecordError("default")

	snap := c.Snapshot()["default"]
	require.Equal(t, int64(15), snap.EventsRead)
	require.Equal(t, int64(13), snap.EventsRouted)
	require.Equal(t, int64(2), snap.EventsUnrouted)
	require.Equal(t, int64(3), snap.BatchesBuilt)
	require.Equal(t, int64(640), snap.BytesBatched)
	require.Equal(t, int64(2), snap.Passes)
	require.Equal(t, int64(1), snap.Errors)
}

func TestChannelsAreIndependent(t *testing.T) {
	c := NewCounters(nil)
	c.RecordPass("fast", PassStats{EventsRouted: 1})
	c.RecordPass("bulk", PassStats{EventsRouted: 7})

	snap := c.Snapshot()
	require.Equal(t, int64(1), snap["fast"].EventsRouted)
	require.Equal(t, int64(7), snap["bulk"].EventsRouted)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCounters(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordPass("default", PassStats{EventsRouted: 1})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(800), c.Snapshot()["default"].EventsRouted)
}

func TestPersistentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	p, err := OpenPersistent(dir)
	require.NoError(t, err)
	p.Add("default.events_routed", 42)
	p.Add("default.events_routed", 8)
	v, err := p.Get("default.events_routed")
	require.NoError(t, err)
	require.Equal(t, int64(50), v)
	require.NoError(t, p.Close())

	p, err = OpenPersistent(dir)
	require.NoError(t, err)
	defer p.Close()
	v, err = p.Get("default.events_routed")
	require.NoError(t, err)
	require.Equal(t, int64(50), v)
}

func TestCountersMirrorIntoPersistent(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPersistent(dir)
	require.NoError(t, err)
	defer p.Close()

	c := NewCounters(p)
	c.RecordPass("default", PassStats{EventsRouted: 3, BatchesBuilt: 1})

	require.Equal(t, int64(3), c.Lifetime("default.events_routed"))
	require.Equal(t, int64(1), c.Lifetime("default.batches_built"))
	require.Equal(t, int64(0), c.Lifetime("default.errors"))
}
