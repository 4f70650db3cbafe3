package route

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trickledb/trickle/datalog"
)

func TestCommitRefusesUnsealedBatches(t *testing.T) {
	rc, _ := newTestContext(t)

	_, err := rc.GetOrCreateBatch("store-1")
	require.NoError(t, err)

	err = rc.Commit()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsealed")
	require.False(t, rc.Committed())
}

func TestCommitIsSingleShot(t *testing.T) {
	rc, _ := newTestContext(t)

	require.NoError(t, rc.Commit())
	require.True(t, rc.Committed())
	require.Error(t, rc.Commit())
}

func TestTransactionBoundaryBookkeeping(t *testing.T) {
	rc, _ := newTestContext(t)

	rc.RecordTransactionBoundary(&datalog.ChangeEvent{ID: 4, TxnID: "t1"})
	rc.RecordTransactionBoundary(&datalog.ChangeEvent{ID: 7, TxnID: "t1"})
	rc.RecordTransactionBoundary(&datalog.ChangeEvent{ID: 5, TxnID: ""})

	require.Equal(t, int64(7), rc.LastSeenInTxn("t1"))
	require.Equal(t, int64(0), rc.LastSeenInTxn("t2"))
	require.Equal(t, int64(0), rc.LastSeenInTxn(""))
}
