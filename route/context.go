// Package route is the routing and batching core: it pages captured
// change events out of the log, asks the configured router policies which
// nodes each event goes to, and groups the results into sealed outgoing
// batches. Gap state and batch rows commit in one transaction per channel
// pass.
package route

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/registry"
	"github.com/trickledb/trickle/stats"
)

// Context is the unit of work for one routing pass over one channel. It
// owns the transaction every mutation of the pass goes through, the open
// batches keyed by target node, transaction boundary bookkeeping and the
// router scratch cache. Exactly one goroutine uses a Context.
type Context struct {
	Channel  registry.Channel
	NodeID   string
	Snapshot *registry.Snapshot
	Deadline time.Time
	Stats    stats.PassStats

	tx        *sql.Tx
	batches   map[string]*OutgoingBatch
	sealed    []*OutgoingBatch
	txnLastID map[string]int64
	used      map[string]DataRouter
	cache     map[string]interface{}

	committed bool
	finished  bool
}

// OpenContext begins the pass transaction. The caller must ensure Cleanup
// runs on every exit path.
func OpenContext(ctx context.Context, store *datalog.Store, snap *registry.Snapshot,
	channel registry.Channel, nodeID string, deadline time.Time) (*Context, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open routing transaction for channel %s: %w", channel.ID, err)
	}
	return &Context{
		Channel:   channel,
		NodeID:    nodeID,
		Snapshot:  snap,
		Deadline:  deadline,
		tx:        tx,
		batches:   make(map[string]*OutgoingBatch),
		txnLastID: make(map[string]int64),
		used:      make(map[string]DataRouter),
		cache:     make(map[string]interface{}),
	}, nil
}

// Tx exposes the pass transaction for reads and writes that must commit
// with the pass.
func (c *Context) Tx() *sql.Tx {
	return c.tx
}

// GetOrCreateBatch returns the open batch for a target node, creating one
// with the next sequence number when the node has none.
func (c *Context) GetOrCreateBatch(targetNodeID string) (*OutgoingBatch, error) {
	if batch, ok := c.batches[targetNodeID]; ok {
		return batch, nil
	}
	batch, err := newBatch(c.tx, targetNodeID, c.Channel.ID)
	if err != nil {
		return nil, err
	}
	c.batches[targetNodeID] = batch
	c.Stats.BatchesBuilt++
	return batch, nil
}

// OpenBatches returns the not-yet-sealed batches of the pass.
func (c *Context) OpenBatches() map[string]*OutgoingBatch {
	return c.batches
}

// RecordTransactionBoundary notes the latest change id seen for the
// event's source transaction.
func (c *Context) RecordTransactionBoundary(ev *datalog.ChangeEvent) {
	if ev.TxnID == "" {
		return
	}
	c.txnLastID[ev.TxnID] = ev.ID
}

// LastSeenInTxn returns the last change id recorded for a transaction,
// zero when the transaction was never seen.
func (c *Context) LastSeenInTxn(txnID string) int64 {
	return c.txnLastID[txnID]
}

// MarkRouterUsed registers a policy for end-of-pass callbacks. Safe to
// call repeatedly with the same id.
func (c *Context) MarkRouterUsed(routerID string, r DataRouter) {
	c.used[routerID] = r
}

// CacheGet and CachePut give router policies per-pass scratch storage,
// such as parsed expressions or loaded lookup maps.
func (c *Context) CacheGet(key string) (interface{}, bool) {
	v, ok := c.cache[key]
	return v, ok
}

func (c *Context) CachePut(key string, v interface{}) {
	c.cache[key] = v
}

// Commit persists everything the pass did, then notifies the used router
// policies. Call exactly once, and only after every batch is sealed.
func (c *Context) Commit() error {
	if c.finished {
		return fmt.Errorf("routing context for channel %s already finished", c.Channel.ID)
	}
	if len(c.batches) > 0 {
		return fmt.Errorf("channel %s has %d unsealed batches at commit", c.Channel.ID, len(c.batches))
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit routing pass for channel %s: %w", c.Channel.ID, err)
	}
	c.committed = true
	c.finished = true
	for _, r := range c.used {
		r.ContextCommitted(c)
	}
	return nil
}

// Rollback abandons the pass. Nothing the pass wrote survives.
func (c *Context) Rollback() {
	if c.finished {
		return
	}
	c.finished = true
	if err := c.tx.Rollback(); err != nil {
		log.Error().Err(err).Str("channel", c.Channel.ID).Msg("Unable to roll back routing pass")
	}
}

// Cleanup releases the context on any exit path. A context neither
// committed nor rolled back is rolled back here.
func (c *Context) Cleanup() {
	if !c.finished {
		c.Rollback()
	}
	c.batches = nil
	c.sealed = nil
	c.txnLastID = nil
	c.cache = nil
}

// Committed reports whether Commit succeeded.
func (c *Context) Committed() bool {
	return c.committed
}

// SealedBatches returns the batches sealed during the pass, in seal
// order. Meaningful after Commit.
func (c *Context) SealedBatches() []*OutgoingBatch {
	return c.sealed
}
