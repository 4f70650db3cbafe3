package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickledb/trickle/cfg"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/notify"
	"github.com/trickledb/trickle/stats"
)

func newTestServer(t *testing.T) (*datalog.Store, *stats.Counters, *httptest.Server) {
	t.Helper()
	store, err := datalog.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	counters := stats.NewCounters(nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(store, counters, notify.NewHub(), "node-test"))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return store, counters, srv
}

func getData(t *testing.T, url string) []map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Data
}

func TestChannelsEndpoint(t *testing.T) {
	store, _, srv := newTestServer(t)

	_, err := store.DB().Exec(
		`INSERT INTO trk_channel (channel_id, priority, enabled, max_batch_size, batch_by_txn)
		 VALUES ('orders', 10, 1, 500, 1), ('audit', 200, 0, 0, 0)`)
	require.NoError(t, err)

	data := getData(t, srv.URL+"/admin/channels")
	require.Len(t, data, 2)
	require.Equal(t, "orders", data[0]["channel_id"])
	require.Equal(t, true, data[0]["batch_by_txn"])
	require.Equal(t, "audit", data[1]["channel_id"])
	require.Equal(t, false, data[1]["enabled"])
}

func TestNodesEndpoint(t *testing.T) {
	store, _, srv := newTestServer(t)

	_, err := store.DB().Exec(
		`INSERT INTO trk_node (node_id, group_id, external_id, enabled)
		 VALUES ('store-1', 'store', 'east', 1)`)
	require.NoError(t, err)

	data := getData(t, srv.URL+"/admin/nodes")
	require.Len(t, data, 1)
	require.Equal(t, "store-1", data[0]["node_id"])
	require.Equal(t, "east", data[0]["external_id"])
}

func TestGapsEndpointFiltersByChannel(t *testing.T) {
	store, _, srv := newTestServer(t)

	now := time.Now().UnixMilli()
	_, err := store.DB().Exec(
		`INSERT INTO trk_data_gap (channel_id, start_id, end_id, create_time, last_update_time)
		 VALUES ('orders', 5, 9, ?, ?), ('audit', 1, 3, ?, ?)`, now, now, now, now)
	require.NoError(t, err)

	data := getData(t, srv.URL+"/admin/gaps?channel=orders")
	require.Len(t, data, 1)
	require.Equal(t, "orders", data[0]["channel_id"])
	require.Equal(t, float64(5), data[0]["start_id"])
	require.Equal(t, float64(9), data[0]["end_id"])

	data = getData(t, srv.URL+"/admin/gaps")
	require.Len(t, data, 2)
}

func TestBatchesEndpoint(t *testing.T) {
	store, _, srv := newTestServer(t)

	now := time.Now().UnixMilli()
	_, err := store.DB().Exec(
		`INSERT INTO trk_outgoing_batch (batch_id, node_id, channel_id, status, event_count,
		                                byte_count, checksum, create_time, seal_time)
		 VALUES (1, 'store-1', 'orders', 'NE', 3, 120, 42, ?, ?),
		        (2, 'store-1', 'orders', 'RT', 0, 0, 0, ?, NULL),
		        (1, 'store-2', 'audit', 'NE', 1, 40, 7, ?, ?)`,
		now, now, now, now, now)
	require.NoError(t, err)
	_, err = store.DB().Exec(
		`INSERT INTO trk_batch_event (batch_id, node_id, channel_id, data_id, router_id)
		 VALUES (1, 'store-1', 'orders', 11, 'r1'), (1, 'store-1', 'orders', 12, 'r1')`)
	require.NoError(t, err)

	data := getData(t, srv.URL+"/admin/batches?channel=orders&status=NE")
	require.Len(t, data, 1)
	require.Equal(t, float64(1), data[0]["batch_id"])
	require.Equal(t, float64(3), data[0]["event_count"])

	data = getData(t, srv.URL+"/admin/batches?node=store-2")
	require.Len(t, data, 1)
	require.Equal(t, "audit", data[0]["channel_id"])

	events := getData(t, srv.URL+"/admin/batches/store-1/1/events")
	require.Len(t, events, 2)
	require.Equal(t, float64(11), events[0]["data_id"])
	require.Equal(t, "r1", events[0]["router_id"])
}

func TestBatchesEndpointRejectsBadLimit(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/admin/batches?limit=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	_, counters, srv := newTestServer(t)

	counters.RecordPass("orders", stats.PassStats{EventsRead: 4, EventsRouted: 3, BatchesBuilt: 1})

	resp, err := http.Get(srv.URL + "/admin/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data map[string]stats.ChannelSnapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, int64(3), body.Data["orders"].EventsRouted)
}

func TestWakeEndpointSignalsHub(t *testing.T) {
	store, err := datalog.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	hub := notify.NewHub()
	signals, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(store, stats.NewCounters(nil), hub, "node-test"))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/admin/wake?channel=orders&data_id=42", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case s := <-signals:
		require.Equal(t, "orders", s.ChannelID)
		require.Equal(t, int64(42), s.DataID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake signal")
	}
}

func TestAuthMiddlewareEnforcesSecret(t *testing.T) {
	prior := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "hunter2"
	t.Cleanup(func() { cfg.Config.Admin.Secret = prior })

	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/admin/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
