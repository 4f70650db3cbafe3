package route

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/trickledb/trickle/datalog"
)

// Batch statuses. The routing core only ever writes Routing and New;
// the transport and loader pipeline advances sealed batches from New
// onward and the core never reads those later states.
const (
	StatusRouting = "RT"
	StatusNew     = "NE"
	StatusSent    = "SE"
	StatusLoaded  = "OK"
	StatusError   = "ER"
)

type batchEvent struct {
	dataID   int64
	routerID string
}

// OutgoingBatch accumulates routed events for one target node on one
// channel. Events stay in the order they were read from the log. The
// batch id comes from the per-(node, channel) sequence at creation time,
// inside the pass transaction, so sequence numbers are strictly
// increasing and roll back with a failed pass.
type OutgoingBatch struct {
	BatchID    int64
	NodeID     string
	ChannelID  string
	Status     string
	ByteCount  int64
	Checksum   uint64
	CreateTime time.Time
	SealTime   time.Time

	events       []batchEvent
	digest       *xxhash.Digest
	closePending bool
}

func newBatch(tx *sql.Tx, nodeID, channelID string) (*OutgoingBatch, error) {
	seq, err := nextBatchSeq(tx, nodeID, channelID)
	if err != nil {
		return nil, err
	}
	return &OutgoingBatch{
		BatchID:    seq,
		NodeID:     nodeID,
		ChannelID:  channelID,
		Status:     StatusRouting,
		CreateTime: time.Now(),
		digest:     xxhash.New(),
	}, nil
}

func nextBatchSeq(tx *sql.Tx, nodeID, channelID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(
		`SELECT next_seq FROM trk_batch_seq WHERE node_id = ? AND channel_id = ?`,
		nodeID, channelID).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		seq = 1
		if _, err := tx.Exec(
			`INSERT INTO trk_batch_seq (node_id, channel_id, next_seq) VALUES (?, ?, ?)`,
			nodeID, channelID, seq+1); err != nil {
			return 0, fmt.Errorf("failed to create batch sequence for %s/%s: %w", nodeID, channelID, err)
		}
	case err != nil:
		return 0, fmt.Errorf("failed to read batch sequence for %s/%s: %w", nodeID, channelID, err)
	default:
		if _, err := tx.Exec(
			`UPDATE trk_batch_seq SET next_seq = ? WHERE node_id = ? AND channel_id = ?`,
			seq+1, nodeID, channelID); err != nil {
			return 0, fmt.Errorf("failed to advance batch sequence for %s/%s: %w", nodeID, channelID, err)
		}
	}
	return seq, nil
}

func (b *OutgoingBatch) append(ev *datalog.ChangeEvent, routerID string) {
	b.events = append(b.events, batchEvent{dataID: ev.ID, routerID: routerID})
	b.ByteCount += int64(ev.PayloadSize())
	b.digest.WriteString(ev.Table)
	b.digest.WriteString(string(ev.Type))
	hashImage(b.digest, ev.PKData)
	hashImage(b.digest, ev.RowData)
	hashImage(b.digest, ev.OldData)
}

// hashImage folds a row image into the digest with sorted keys so the
// checksum is stable across passes.
func hashImage(d *xxhash.Digest, img map[string]string) {
	keys := make([]string, 0, len(img))
	for k := range img {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.WriteString(k)
		d.WriteString(img[k])
	}
}

// EventCount returns the number of events appended so far.
func (b *OutgoingBatch) EventCount() int {
	return len(b.events)
}

// EventIDs returns the change ids in batch order.
func (b *OutgoingBatch) EventIDs() []int64 {
	ids := make([]int64, len(b.events))
	for i, e := range b.events {
		ids[i] = e.dataID
	}
	return ids
}

// seal marks the batch ready for transport and writes the batch row and
// its event links inside the pass transaction. Event rows go in
// multi-row inserts of flushRows values each.
func (b *OutgoingBatch) seal(tx *sql.Tx, flushRows int) error {
	b.Status = StatusNew
	b.SealTime = time.Now()
	b.Checksum = b.digest.Sum64()

	_, err := tx.Exec(
		`INSERT INTO trk_outgoing_batch (batch_id, node_id, channel_id, status,
			event_count, byte_count, checksum, create_time, seal_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.NodeID, b.ChannelID, b.Status,
		len(b.events), b.ByteCount, int64(b.Checksum),
		b.CreateTime.UnixMilli(), b.SealTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to persist batch %d for node %s: %w", b.BatchID, b.NodeID, err)
	}

	for chunk := 0; chunk < len(b.events); chunk += flushRows {
		end := chunk + flushRows
		if end > len(b.events) {
			end = len(b.events)
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO trk_batch_event (batch_id, node_id, channel_id, data_id, router_id) VALUES `)
		args := make([]interface{}, 0, (end-chunk)*5)
		for i, e := range b.events[chunk:end] {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, b.BatchID, b.NodeID, b.ChannelID, e.dataID, e.routerID)
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("failed to persist events of batch %d: %w", b.BatchID, err)
		}
	}
	return nil
}

// Builder appends routed events to per-node batches and seals them when a
// close condition fires. Close precedence after every append: event count
// limit, byte limit, pass deadline. On a channel that batches by
// transaction those conditions only mark the batch close-pending and the
// seal happens at the next transaction boundary, so a source transaction
// is never split (the batch may then exceed the size limit).
type Builder struct {
	ctx        *Context
	maxEvents  int
	maxBytes   int64
	flushRows  int
	batchByTxn bool
	now        func() time.Time
}

// NewBuilder creates a builder for one pass. maxEvents and maxBytes of
// zero mean unlimited; flushRows bounds the multi-row event inserts at
// seal time.
func NewBuilder(ctx *Context, maxEvents int, maxBytes int64, flushRows int) *Builder {
	if flushRows <= 0 {
		flushRows = 500
	}
	return &Builder{
		ctx:        ctx,
		maxEvents:  maxEvents,
		maxBytes:   maxBytes,
		flushRows:  flushRows,
		batchByTxn: ctx.Channel.BatchByTxn,
		now:        time.Now,
	}
}

// Append adds one routed event to the target node's batch and evaluates
// the close conditions.
func (bd *Builder) Append(ev *datalog.ChangeEvent, targetNodeID, routerID string) error {
	batch, err := bd.ctx.GetOrCreateBatch(targetNodeID)
	if err != nil {
		return err
	}
	batch.append(ev, routerID)

	if !bd.limitReached(batch) {
		return nil
	}
	if bd.batchByTxn {
		batch.closePending = true
		return nil
	}
	return bd.sealBatch(targetNodeID, batch)
}

func (bd *Builder) limitReached(batch *OutgoingBatch) bool {
	if bd.maxEvents > 0 && len(batch.events) >= bd.maxEvents {
		return true
	}
	if bd.maxBytes > 0 && batch.ByteCount >= bd.maxBytes {
		return true
	}
	return !bd.ctx.Deadline.IsZero() && bd.now().After(bd.ctx.Deadline)
}

// TransactionBoundary tells the builder every event of a source
// transaction has been appended. On a batch-by-transaction channel this
// seals all open batches; otherwise it only seals batches whose size
// limit fired mid-transaction.
func (bd *Builder) TransactionBoundary() error {
	for nodeID, batch := range bd.ctx.OpenBatches() {
		if bd.batchByTxn || batch.closePending {
			if err := bd.sealBatch(nodeID, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// SealOpen closes every remaining open batch at pass end.
func (bd *Builder) SealOpen() error {
	for nodeID, batch := range bd.ctx.OpenBatches() {
		if err := bd.sealBatch(nodeID, batch); err != nil {
			return err
		}
	}
	return nil
}

func (bd *Builder) sealBatch(nodeID string, batch *OutgoingBatch) error {
	if err := batch.seal(bd.ctx.Tx(), bd.flushRows); err != nil {
		return err
	}
	delete(bd.ctx.batches, nodeID)
	bd.ctx.sealed = append(bd.ctx.sealed, batch)
	bd.ctx.Stats.BytesBatched += batch.ByteCount
	for _, r := range bd.ctx.used {
		r.CompleteBatch(bd.ctx, batch)
	}
	return nil
}
