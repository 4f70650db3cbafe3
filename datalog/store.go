package datalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// IDRange is an inclusive [Start, End] range of change ids to scan.
type IDRange struct {
	Start int64
	End   int64
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the SQL store holding the change log and all engine tables.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens the store. For sqlite the connection is tuned the same way
// the capture side tunes it (WAL, busy timeout) so concurrent trigger
// writes and routing passes do not starve each other.
func Open(driver, dsn string) (*Store, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, ":memory:") {
		if strings.Contains(dsn, "?") {
			dsn += "&_journal_mode=WAL&_busy_timeout=5000"
		} else {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if driver == "sqlite3" {
		// One writer at a time keeps sqlite happy under concurrent passes.
		db.SetMaxOpenConns(1)
	}

	return &Store{db: db, driver: driver}, nil
}

// InitSchema creates every engine table if absent.
func (s *Store) InitSchema() error {
	for _, ddl := range Schemas(s.driver) {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for collaborating stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Begin starts a transaction for one routing pass.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ScanResult is the outcome of one paged read over gap ranges.
type ScanResult struct {
	// Events holds decoded events for the requested channel, ascending by id.
	Events []*ChangeEvent
	// Observed holds every id seen in the scanned ranges regardless of
	// channel, ascending. Other channels' ids count as observed so each
	// channel's gap set stays independent.
	Observed []int64
	// MaxSeen is the highest id observed, 0 when nothing matched.
	MaxSeen int64
	// Truncated is set when maxRows stopped the scan before the ranges
	// were exhausted.
	Truncated bool
}

// ScanRanges reads the change log in ascending id order within the given
// ranges, decoding rows belonging to channelID and recording every id it
// passes over. The read happens inside the pass transaction so the
// snapshot matches what will be committed.
func (s *Store) ScanRanges(tx Querier, channelID string, ranges []IDRange, maxRows int) (*ScanResult, error) {
	res := &ScanResult{}
	if len(ranges) == 0 || maxRows < 1 {
		return res, nil
	}

	var where strings.Builder
	args := make([]any, 0, len(ranges)*2+1)
	for i, r := range ranges {
		if i > 0 {
			where.WriteString(" OR ")
		}
		where.WriteString("(data_id >= ? AND data_id <= ?)")
		args = append(args, r.Start, r.End)
	}
	args = append(args, maxRows+1)

	query := fmt.Sprintf(`SELECT data_id, channel_id, table_name, event_type,
		row_data, old_data, pk_data, txn_id, source_node_id, create_time
		FROM trk_data WHERE %s ORDER BY data_id ASC LIMIT ?`, where.String())

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change log: %w", err)
	}
	defer rows.Close()

	scanned := 0
	for rows.Next() {
		if scanned == maxRows {
			res.Truncated = true
			break
		}
		var (
			id                     int64
			channel, table, etype  string
			rowData, oldData, pkID []byte
			txnID, sourceNode      sql.NullString
			createMS               int64
		)
		if err := rows.Scan(&id, &channel, &table, &etype, &rowData, &oldData,
			&pkID, &txnID, &sourceNode, &createMS); err != nil {
			return nil, fmt.Errorf("failed to read change row: %w", err)
		}

		scanned++
		res.Observed = append(res.Observed, id)
		if id > res.MaxSeen {
			res.MaxSeen = id
		}
		if channel != channelID {
			continue
		}

		ev := &ChangeEvent{
			ID:           id,
			ChannelID:    channel,
			Table:        table,
			Type:         EventType(etype),
			TxnID:        txnID.String,
			SourceNodeID: sourceNode.String,
			CreateTime:   time.UnixMilli(createMS),
		}
		if ev.RowData, err = DecodeImage(rowData); err != nil {
			return nil, fmt.Errorf("data_id %d: %w", id, err)
		}
		if ev.OldData, err = DecodeImage(oldData); err != nil {
			return nil, fmt.Errorf("data_id %d: %w", id, err)
		}
		if ev.PKData, err = DecodeImage(pkID); err != nil {
			return nil, fmt.Errorf("data_id %d: %w", id, err)
		}
		res.Events = append(res.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("change log scan aborted: %w", err)
	}

	return res, nil
}

// MaxEventID returns the highest assigned change id, 0 when the log is empty.
func (s *Store) MaxEventID(q Querier) (int64, error) {
	var max sql.NullInt64
	if err := q.QueryRow(`SELECT MAX(data_id) FROM trk_data`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max data id: %w", err)
	}
	return max.Int64, nil
}

// CountInRange counts change rows with ids inside [lo, hi], any channel.
// Used as a safety check before expiring a gap past its grace period.
func (s *Store) CountInRange(q Querier, lo, hi int64) (int64, error) {
	var n int64
	err := q.QueryRow(`SELECT COUNT(*) FROM trk_data WHERE data_id >= ? AND data_id <= ?`, lo, hi).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count data in range: %w", err)
	}
	return n, nil
}

// GapCounts returns the persisted gap count per channel, for metrics
// sampling.
func (s *Store) GapCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT channel_id, COUNT(*) FROM trk_data_gap GROUP BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count gaps: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var channel string
		var n int
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, err
		}
		counts[channel] = n
	}
	return counts, rows.Err()
}

// Append inserts one captured event and returns its assigned id. The
// capture triggers normally write the log directly; Append serves the
// embedded capture path and tests.
func (s *Store) Append(q Querier, ev *ChangeEvent) (int64, error) {
	rowData, err := EncodeImage(ev.RowData)
	if err != nil {
		return 0, err
	}
	oldData, err := EncodeImage(ev.OldData)
	if err != nil {
		return 0, err
	}
	pkData, err := EncodeImage(ev.PKData)
	if err != nil {
		return 0, err
	}

	createTime := ev.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}

	result, err := q.Exec(`INSERT INTO trk_data
		(channel_id, table_name, event_type, row_data, old_data, pk_data, txn_id, source_node_id, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ChannelID, ev.Table, string(ev.Type), rowData, oldData, pkData,
		ev.TxnID, ev.SourceNodeID, createTime.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to append change event: %w", err)
	}
	return result.LastInsertId()
}
