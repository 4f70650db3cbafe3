package datalog

// Schemas returns the DDL for every table the engine owns, in dependency
// order. Statements are written per driver because of autoincrement and
// type spelling differences; the engine only ever binds with `?`.
func Schemas(driver string) []string {
	if driver == "mysql" {
		return mysqlSchemas
	}
	return sqliteSchemas
}

var sqliteSchemas = []string{
	// Change log, populated by capture triggers. data_id is assigned once,
	// strictly increasing, never reused.
	`CREATE TABLE IF NOT EXISTS trk_data (
		data_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id     TEXT NOT NULL,
		table_name     TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		row_data       BLOB,
		old_data       BLOB,
		pk_data        BLOB,
		txn_id         TEXT,
		source_node_id TEXT,
		create_time    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trk_data_channel ON trk_data (channel_id, data_id)`,

	// Per-channel unread ranges of the data_id space.
	`CREATE TABLE IF NOT EXISTS trk_data_gap (
		channel_id       TEXT NOT NULL,
		start_id         INTEGER NOT NULL,
		end_id           INTEGER NOT NULL,
		create_time      INTEGER NOT NULL,
		last_update_time INTEGER NOT NULL,
		PRIMARY KEY (channel_id, start_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_outgoing_batch (
		batch_id    INTEGER NOT NULL,
		node_id     TEXT NOT NULL,
		channel_id  TEXT NOT NULL,
		status      TEXT NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		byte_count  INTEGER NOT NULL DEFAULT 0,
		checksum    INTEGER NOT NULL DEFAULT 0,
		create_time INTEGER NOT NULL,
		seal_time   INTEGER,
		PRIMARY KEY (node_id, channel_id, batch_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trk_batch_status ON trk_outgoing_batch (status, node_id)`,

	`CREATE TABLE IF NOT EXISTS trk_batch_event (
		batch_id   INTEGER NOT NULL,
		node_id    TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		data_id    INTEGER NOT NULL,
		router_id  TEXT NOT NULL,
		PRIMARY KEY (node_id, channel_id, batch_id, data_id)
	)`,

	// Next batch sequence per (node, channel), advanced only under the
	// channel lock.
	`CREATE TABLE IF NOT EXISTS trk_batch_seq (
		node_id    TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		next_seq   INTEGER NOT NULL,
		PRIMARY KEY (node_id, channel_id)
	)`,

	// Configuration: target nodes, channels, trigger-router bindings.
	`CREATE TABLE IF NOT EXISTS trk_node (
		node_id     TEXT PRIMARY KEY,
		group_id    TEXT NOT NULL,
		external_id TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS trk_channel (
		channel_id      TEXT PRIMARY KEY,
		priority        INTEGER NOT NULL DEFAULT 100,
		enabled         INTEGER NOT NULL DEFAULT 1,
		max_batch_size  INTEGER NOT NULL DEFAULT 0,
		max_batch_bytes INTEGER NOT NULL DEFAULT 0,
		batch_by_txn    INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS trk_trigger_router (
		trigger_id        TEXT NOT NULL,
		router_id         TEXT NOT NULL,
		table_pattern     TEXT NOT NULL,
		channel_id        TEXT NOT NULL,
		router_type       TEXT NOT NULL,
		router_expression TEXT,
		target_group_id   TEXT NOT NULL,
		enabled           INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (trigger_id, router_id)
	)`,

	// Cluster-wide channel lock leases.
	`CREATE TABLE IF NOT EXISTS trk_channel_lock (
		lock_id     TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	)`,
}

var mysqlSchemas = []string{
	`CREATE TABLE IF NOT EXISTS trk_data (
		data_id        BIGINT PRIMARY KEY AUTO_INCREMENT,
		channel_id     VARCHAR(128) NOT NULL,
		table_name     VARCHAR(255) NOT NULL,
		event_type     CHAR(1) NOT NULL,
		row_data       LONGBLOB,
		old_data       LONGBLOB,
		pk_data        BLOB,
		txn_id         VARCHAR(255),
		source_node_id VARCHAR(64),
		create_time    BIGINT NOT NULL,
		INDEX idx_trk_data_channel (channel_id, data_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_data_gap (
		channel_id       VARCHAR(128) NOT NULL,
		start_id         BIGINT NOT NULL,
		end_id           BIGINT NOT NULL,
		create_time      BIGINT NOT NULL,
		last_update_time BIGINT NOT NULL,
		PRIMARY KEY (channel_id, start_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_outgoing_batch (
		batch_id    BIGINT NOT NULL,
		node_id     VARCHAR(64) NOT NULL,
		channel_id  VARCHAR(128) NOT NULL,
		status      CHAR(2) NOT NULL,
		event_count BIGINT NOT NULL DEFAULT 0,
		byte_count  BIGINT NOT NULL DEFAULT 0,
		checksum    BIGINT NOT NULL DEFAULT 0,
		create_time BIGINT NOT NULL,
		seal_time   BIGINT,
		PRIMARY KEY (node_id, channel_id, batch_id),
		INDEX idx_trk_batch_status (status, node_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_batch_event (
		batch_id   BIGINT NOT NULL,
		node_id    VARCHAR(64) NOT NULL,
		channel_id VARCHAR(128) NOT NULL,
		data_id    BIGINT NOT NULL,
		router_id  VARCHAR(128) NOT NULL,
		PRIMARY KEY (node_id, channel_id, batch_id, data_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_batch_seq (
		node_id    VARCHAR(64) NOT NULL,
		channel_id VARCHAR(128) NOT NULL,
		next_seq   BIGINT NOT NULL,
		PRIMARY KEY (node_id, channel_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_node (
		node_id     VARCHAR(64) PRIMARY KEY,
		group_id    VARCHAR(128) NOT NULL,
		external_id VARCHAR(255) NOT NULL,
		enabled     TINYINT NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS trk_channel (
		channel_id      VARCHAR(128) PRIMARY KEY,
		priority        INT NOT NULL DEFAULT 100,
		enabled         TINYINT NOT NULL DEFAULT 1,
		max_batch_size  BIGINT NOT NULL DEFAULT 0,
		max_batch_bytes BIGINT NOT NULL DEFAULT 0,
		batch_by_txn    TINYINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS trk_trigger_router (
		trigger_id        VARCHAR(128) NOT NULL,
		router_id         VARCHAR(128) NOT NULL,
		table_pattern     VARCHAR(255) NOT NULL,
		channel_id        VARCHAR(128) NOT NULL,
		router_type       VARCHAR(64) NOT NULL,
		router_expression TEXT,
		target_group_id   VARCHAR(128) NOT NULL,
		enabled           TINYINT NOT NULL DEFAULT 1,
		PRIMARY KEY (trigger_id, router_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trk_channel_lock (
		lock_id     VARCHAR(128) PRIMARY KEY,
		holder      VARCHAR(64) NOT NULL,
		acquired_at BIGINT NOT NULL,
		expires_at  BIGINT NOT NULL
	)`,
}
