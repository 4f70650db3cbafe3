package datalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })
	return store
}

func appendEvent(t *testing.T, store *Store, channel, table, txn string) int64 {
	t.Helper()
	id, err := store.Append(store.DB(), &ChangeEvent{
		ChannelID: channel,
		Table:     table,
		Type:      EventInsert,
		RowData:   map[string]string{"id": "1", "status": "OK"},
		PKData:    map[string]string{"id": "1"},
		TxnID:     txn,
	})
	require.NoError(t, err)
	return id
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	store := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		id := appendEvent(t, store, "sales", "orders", "t1")
		require.Greater(t, id, last)
		last = id
	}

	max, err := store.MaxEventID(store.DB())
	require.NoError(t, err)
	require.Equal(t, last, max)
}

func TestScanRangesAscendingAndDecoded(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 4; i++ {
		appendEvent(t, store, "sales", "orders", "t1")
	}

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := store.ScanRanges(tx, "sales", []IDRange{{Start: 1, End: 100}}, 100)
	require.NoError(t, err)
	require.Len(t, res.Events, 4)
	require.Len(t, res.Observed, 4)
	require.Equal(t, int64(4), res.MaxSeen)
	require.False(t, res.Truncated)

	for i, ev := range res.Events {
		require.Equal(t, int64(i+1), ev.ID)
		require.Equal(t, "OK", ev.RowData["status"])
		require.Equal(t, map[string]string{"id": "1"}, ev.PKData)
		require.Nil(t, ev.OldData)
	}
}

func TestScanRangesObservesOtherChannels(t *testing.T) {
	store := newTestStore(t)
	appendEvent(t, store, "sales", "orders", "t1")
	appendEvent(t, store, "config", "settings", "t2")
	appendEvent(t, store, "sales", "orders", "t3")

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := store.ScanRanges(tx, "sales", []IDRange{{Start: 1, End: 10}}, 100)
	require.NoError(t, err)

	// The config row is skipped for routing but still observed.
	require.Len(t, res.Events, 2)
	require.Equal(t, []int64{1, 2, 3}, res.Observed)
}

func TestScanRangesHonorsLimitAndGaps(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 10; i++ {
		appendEvent(t, store, "sales", "orders", "t1")
	}

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	// Two disjoint ranges, limited to 3 rows.
	res, err := store.ScanRanges(tx, "sales",
		[]IDRange{{Start: 2, End: 4}, {Start: 8, End: 9}}, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4}, res.Observed)
	require.True(t, res.Truncated)

	// Unlimited picks up both ranges, never ids 5-7.
	res, err = store.ScanRanges(tx, "sales",
		[]IDRange{{Start: 2, End: 4}, {Start: 8, End: 9}}, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4, 8, 9}, res.Observed)
	require.False(t, res.Truncated)
}

func TestCountInRange(t *testing.T) {
	store := newTestStore(t)
	appendEvent(t, store, "sales", "orders", "t1")
	appendEvent(t, store, "sales", "orders", "t1")

	n, err := store.CountInRange(store.DB(), 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = store.CountInRange(store.DB(), 5, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestImageRoundTripNilStaysNil(t *testing.T) {
	data, err := EncodeImage(nil)
	require.NoError(t, err)
	require.Nil(t, data)

	values, err := DecodeImage(nil)
	require.NoError(t, err)
	require.Nil(t, values)
}
