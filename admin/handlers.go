// Package admin exposes read-only HTTP endpoints over the routing
// state: channels, nodes, gaps, batches and lifetime statistics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/notify"
	"github.com/trickledb/trickle/stats"
)

// Handlers serves the admin API.
type Handlers struct {
	store    *datalog.Store
	counters *stats.Counters
	hub      *notify.Hub
	nodeID   string
	started  time.Time
}

// NewHandlers creates a Handlers instance. The hub may be nil, which
// disables the wake endpoint.
func NewHandlers(store *datalog.Store, counters *stats.Counters, hub *notify.Hub, nodeID string) *Handlers {
	return &Handlers{
		store:    store,
		counters: counters,
		hub:      hub,
		nodeID:   nodeID,
		started:  time.Now(),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit query parameter with a default
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > 4096 {
		limit = 4096
	}
	return limit, nil
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"node_id":        h.nodeID,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.DB().Query(
		`SELECT channel_id, priority, enabled, max_batch_size, max_batch_bytes, batch_by_txn
		 FROM trk_channel ORDER BY priority, channel_id`)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := make([]map[string]interface{}, 0)
	for rows.Next() {
		var id string
		var priority, maxSize int
		var maxBytes int64
		var enabled, batchByTxn bool
		if err := rows.Scan(&id, &priority, &enabled, &maxSize, &maxBytes, &batchByTxn); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response = append(response, map[string]interface{}{
			"channel_id":      id,
			"priority":        priority,
			"enabled":         enabled,
			"max_batch_size":  maxSize,
			"max_batch_bytes": maxBytes,
			"batch_by_txn":    batchByTxn,
		})
	}
	if err := rows.Err(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, response)
}

func (h *Handlers) handleNodes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.DB().Query(
		`SELECT node_id, group_id, external_id, enabled FROM trk_node ORDER BY node_id`)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := make([]map[string]interface{}, 0)
	for rows.Next() {
		var id, group, external string
		var enabled bool
		if err := rows.Scan(&id, &group, &external, &enabled); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response = append(response, map[string]interface{}{
			"node_id":     id,
			"group_id":    group,
			"external_id": external,
			"enabled":     enabled,
		})
	}
	if err := rows.Err(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, response)
}

func (h *Handlers) handleGaps(w http.ResponseWriter, r *http.Request) {
	query := `SELECT channel_id, start_id, end_id, create_time, last_update_time
	          FROM trk_data_gap`
	args := make([]interface{}, 0, 1)
	if channel := r.URL.Query().Get("channel"); channel != "" {
		query += " WHERE channel_id = ?"
		args = append(args, channel)
	}
	query += " ORDER BY channel_id, start_id"

	rows, err := h.store.DB().Query(query, args...)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := make([]map[string]interface{}, 0)
	for rows.Next() {
		var channel string
		var startID, endID, created, updated int64
		if err := rows.Scan(&channel, &startID, &endID, &created, &updated); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response = append(response, map[string]interface{}{
			"channel_id":       channel,
			"start_id":         startID,
			"end_id":           endID,
			"create_time":      created,
			"last_update_time": updated,
		})
	}
	if err := rows.Err(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, response)
}

func (h *Handlers) handleBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	query := `SELECT batch_id, node_id, channel_id, status, event_count, byte_count,
	                 checksum, create_time, seal_time
	          FROM trk_outgoing_batch`
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if channel := r.URL.Query().Get("channel"); channel != "" {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, channel)
	}
	if node := r.URL.Query().Get("node"); node != "" {
		conditions = append(conditions, "node_id = ?")
		args = append(args, node)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY node_id, channel_id, batch_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.store.DB().Query(query, args...)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := make([]map[string]interface{}, 0)
	for rows.Next() {
		var batchID, byteCount, checksum, created int64
		var sealTime *int64
		var node, channel, status string
		var eventCount int
		if err := rows.Scan(&batchID, &node, &channel, &status, &eventCount,
			&byteCount, &checksum, &created, &sealTime); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		item := map[string]interface{}{
			"batch_id":    batchID,
			"node_id":     node,
			"channel_id":  channel,
			"status":      status,
			"event_count": eventCount,
			"byte_count":  byteCount,
			"checksum":    uint64(checksum),
			"create_time": created,
		}
		if sealTime != nil {
			item["seal_time"] = *sealTime
		}
		response = append(response, item)
	}
	if err := rows.Err(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, response)
}

func (h *Handlers) handleBatchEvents(w http.ResponseWriter, r *http.Request, nodeID string, batchID int64) {
	rows, err := h.store.DB().Query(
		`SELECT data_id, router_id FROM trk_batch_event
		 WHERE node_id = ? AND batch_id = ? ORDER BY data_id`, nodeID, batchID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := make([]map[string]interface{}, 0)
	for rows.Next() {
		var dataID int64
		var routerID string
		if err := rows.Scan(&dataID, &routerID); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response = append(response, map[string]interface{}{
			"data_id":   dataID,
			"router_id": routerID,
		})
	}
	if err := rows.Err(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, response)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.counters.Snapshot())
}

// handleWake lets capture agents request an immediate routing pass after
// committing change rows, instead of waiting for the next tick.
func (h *Handlers) handleWake(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "wakeups not enabled")
		return
	}

	channel := r.URL.Query().Get("channel")
	var dataID int64
	if raw := r.URL.Query().Get("data_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid data_id")
			return
		}
		dataID = parsed
	}

	h.hub.Signal(channel, dataID)
	writeJSONResponse(w, map[string]interface{}{"woken": true})
}
