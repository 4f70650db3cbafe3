package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/registry"
)

func newTestContext(t *testing.T) (*Context, *datalog.Store) {
	t.Helper()
	store, err := datalog.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	rc, err := OpenContext(context.Background(), store, nil,
		registry.Channel{ID: "default", Enabled: true}, "local", time.Time{})
	require.NoError(t, err)
	t.Cleanup(rc.Cleanup)
	return rc, store
}

var testCandidates = []registry.Node{
	{ID: "store-1", GroupID: "store", ExternalID: "east"},
	{ID: "store-2", GroupID: "store", ExternalID: "west"},
	{ID: "store-3", GroupID: "store", ExternalID: "north"},
}

func TestDefaultRouterRoutesEverywhere(t *testing.T) {
	rc, _ := newTestContext(t)
	r := &DefaultRouter{}
	ev := &datalog.ChangeEvent{ID: 1, Table: "orders", Type: datalog.EventInsert}

	nodes, err := r.Route(rc, ev, &registry.TriggerRouter{RouterID: "r1"}, testCandidates)
	require.NoError(t, err)
	require.Equal(t, []string{"store-1", "store-2", "store-3"}, nodes)

	nodes, err = r.Route(rc, ev, &registry.TriggerRouter{RouterID: "r1"}, nil)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestColumnMatchExternalIDToken(t *testing.T) {
	rc, _ := newTestContext(t)
	r := &ColumnMatchRouter{}
	binding := &registry.TriggerRouter{RouterID: "r1", Expression: "region=:EXTERNAL_ID"}

	ev := &datalog.ChangeEvent{
		ID: 1, Table: "orders", Type: datalog.EventInsert,
		RowData: map[string]string{"region": "west"},
	}
	nodes, err := r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	require.Equal(t, []string{"store-2"}, nodes)

	ev.RowData["region"] = "south"
	nodes, err = r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestColumnMatchOperators(t *testing.T) {
	cases := []struct {
		name       string
		expression string
		row        map[string]string
		old        map[string]string
		want       []string
	}{
		{
			name:       "literal equality",
			expression: "status=active",
			row:        map[string]string{"status": "active"},
			want:       []string{"store-1", "store-2", "store-3"},
		},
		{
			name:       "not equals",
			expression: "status!=archived",
			row:        map[string]string{"status": "archived"},
			want:       nil,
		},
		{
			name:       "contains",
			expression: "tags contains vip",
			row:        map[string]string{"tags": "bulk,vip,priority"},
			want:       []string{"store-1", "store-2", "store-3"},
		},
		{
			name:       "not contains",
			expression: "tags not contains vip",
			row:        map[string]string{"tags": "bulk,vip"},
			want:       nil,
		},
		{
			name:       "or takes either term",
			expression: "region=east or region=west",
			row:        map[string]string{"region": "west"},
			want:       []string{"store-1", "store-2", "store-3"},
		},
		{
			name:       "old image prefix",
			expression: "OLD_region=east",
			row:        map[string]string{"region": "west"},
			old:        map[string]string{"region": "east"},
			want:       []string{"store-1", "store-2", "store-3"},
		},
		{
			name:       "column token compares two columns",
			expression: "region=:shipping_region",
			row:        map[string]string{"region": "east", "shipping_region": "east"},
			want:       []string{"store-1", "store-2", "store-3"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc, _ := newTestContext(t)
			r := &ColumnMatchRouter{}
			binding := &registry.TriggerRouter{RouterID: "r-" + tc.name, Expression: tc.expression}
			ev := &datalog.ChangeEvent{
				ID: 1, Table: "orders", Type: datalog.EventUpdate,
				RowData: tc.row, OldData: tc.old,
			}
			nodes, err := r.Route(rc, ev, binding, testCandidates)
			require.NoError(t, err)
			require.Equal(t, tc.want, nodes)
		})
	}
}

func TestColumnMatchBadExpressionIsFatal(t *testing.T) {
	rc, _ := newTestContext(t)
	r := &ColumnMatchRouter{}
	binding := &registry.TriggerRouter{RouterID: "r1", Expression: "region west"}
	ev := &datalog.ChangeEvent{ID: 1, RowData: map[string]string{"region": "west"}}

	_, err := r.Route(rc, ev, binding, testCandidates)
	require.Error(t, err)
}

func TestColumnMatchExpressionParsedOncePerPass(t *testing.T) {
	rc, _ := newTestContext(t)
	r := &ColumnMatchRouter{}
	binding := &registry.TriggerRouter{RouterID: "r1", Expression: "region=:EXTERNAL_ID"}
	ev := &datalog.ChangeEvent{ID: 1, RowData: map[string]string{"region": "east"}}

	_, err := r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	_, ok := rc.CacheGet("column.r1")
	require.True(t, ok)
}

func TestSubsetRouter(t *testing.T) {
	rc, _ := newTestContext(t)
	r := &SubsetRouter{}
	ev := &datalog.ChangeEvent{ID: 1}

	// Mix of node id and external id.
	binding := &registry.TriggerRouter{RouterID: "r1", Expression: "store-1, north"}
	nodes, err := r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	require.Equal(t, []string{"store-1", "store-3"}, nodes)

	empty := &registry.TriggerRouter{RouterID: "r2", Expression: " , "}
	_, err = r.Route(rc, ev, empty, testCandidates)
	require.Error(t, err)
}

func TestLookupTableRouter(t *testing.T) {
	rc, _ := newTestContext(t)

	// The mapping is read through the pass transaction, so set it up there.
	_, err := rc.Tx().Exec(`CREATE TABLE region_map (region TEXT, store_id TEXT)`)
	require.NoError(t, err)
	_, err = rc.Tx().Exec(`INSERT INTO region_map (region, store_id) VALUES
		('east', 'east'), ('east', 'north'), ('west', 'west')`)
	require.NoError(t, err)

	r := NewLookupTableRouter()
	binding := &registry.TriggerRouter{
		RouterID: "r1",
		Expression: "LOOKUP_TABLE=region_map\n" +
			"KEY_COLUMN=region\n" +
			"LOOKUP_KEY_COLUMN=region\n" +
			"EXTERNAL_ID_COLUMN=store_id",
	}

	ev := &datalog.ChangeEvent{ID: 1, RowData: map[string]string{"region": "east"}}
	nodes, err := r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	require.Equal(t, []string{"store-1", "store-3"}, nodes)

	ev.RowData["region"] = "nowhere"
	nodes, err = r.Route(rc, ev, binding, testCandidates)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestLookupTableRouterRejectsIncompleteExpression(t *testing.T) {
	rc, _ := newTestContext(t)
	r := NewLookupTableRouter()
	binding := &registry.TriggerRouter{RouterID: "r1", Expression: "LOOKUP_TABLE=region_map"}

	_, err := r.Route(rc, &datalog.ChangeEvent{ID: 1}, binding, testCandidates)
	require.Error(t, err)
}
