// Package registry reads the configuration tables: target nodes, channels
// and trigger-router bindings. The routing service takes one immutable
// snapshot per pass; configuration changes apply starting the next pass.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/trickledb/trickle/datalog"
)

// Node is a replication target.
type Node struct {
	ID         string
	GroupID    string
	ExternalID string
	Enabled    bool
}

// Channel is an independently scheduled grouping of tables/events with
// its own priority and batching policy. Zero limits fall back to the
// configured defaults at pass time.
type Channel struct {
	ID            string
	Priority      int
	Enabled       bool
	MaxBatchSize  int
	MaxBatchBytes int
	BatchByTxn    bool
}

// TriggerRouter binds a source table capture trigger to a routing policy
// and a target node group. TablePattern is a glob over table names.
type TriggerRouter struct {
	TriggerID     string
	RouterID      string
	TablePattern  string
	ChannelID     string
	RouterType    string
	Expression    string
	TargetGroupID string
	Enabled       bool

	pattern glob.Glob
}

// Matches reports whether the binding applies to the given table.
func (tr *TriggerRouter) Matches(table string) bool {
	if tr.pattern == nil {
		return strings.EqualFold(tr.TablePattern, table)
	}
	return tr.pattern.Match(strings.ToLower(table))
}

// Registry reads configuration from the engine store.
type Registry struct {
	store *datalog.Store
}

// New creates a registry over the engine store.
func New(store *datalog.Store) *Registry {
	return &Registry{store: store}
}

// Snapshot is an immutable view of the configuration, taken once per
// routing pass at context-open time.
type Snapshot struct {
	channels     []Channel
	triggers     map[string][]*TriggerRouter // channel id → bindings
	nodesByGroup map[string][]Node

	// table name → matching bindings, memoized per channel because the
	// same handful of tables repeats across a pass.
	tableMatch *lru.Cache[string, []*TriggerRouter]
}

const tableMatchCacheSize = 512

// Snapshot loads the current configuration.
func (r *Registry) Snapshot(q datalog.Querier) (*Snapshot, error) {
	snap := &Snapshot{
		triggers:     make(map[string][]*TriggerRouter),
		nodesByGroup: make(map[string][]Node),
	}
	var err error
	if snap.tableMatch, err = lru.New[string, []*TriggerRouter](tableMatchCacheSize); err != nil {
		return nil, err
	}

	if err := r.loadChannels(q, snap); err != nil {
		return nil, err
	}
	if err := r.loadNodes(q, snap); err != nil {
		return nil, err
	}
	if err := r.loadTriggerRouters(q, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Registry) loadChannels(q datalog.Querier, snap *Snapshot) error {
	rows, err := q.Query(`SELECT channel_id, priority, enabled, max_batch_size,
		max_batch_bytes, batch_by_txn FROM trk_channel`)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Priority, &c.Enabled, &c.MaxBatchSize,
			&c.MaxBatchBytes, &c.BatchByTxn); err != nil {
			return fmt.Errorf("failed to read channel: %w", err)
		}
		snap.channels = append(snap.channels, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Lower number routes first; ties broken by id for determinism.
	sort.Slice(snap.channels, func(i, j int) bool {
		a, b := snap.channels[i], snap.channels[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return nil
}

func (r *Registry) loadNodes(q datalog.Querier, snap *Snapshot) error {
	rows, err := q.Query(`SELECT node_id, group_id, external_id, enabled FROM trk_node`)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.GroupID, &n.ExternalID, &n.Enabled); err != nil {
			return fmt.Errorf("failed to read node: %w", err)
		}
		if n.Enabled {
			snap.nodesByGroup[n.GroupID] = append(snap.nodesByGroup[n.GroupID], n)
		}
	}
	return rows.Err()
}

func (r *Registry) loadTriggerRouters(q datalog.Querier, snap *Snapshot) error {
	rows, err := q.Query(`SELECT trigger_id, router_id, table_pattern, channel_id,
		router_type, router_expression, target_group_id, enabled FROM trk_trigger_router`)
	if err != nil {
		return fmt.Errorf("failed to load trigger routers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tr := &TriggerRouter{}
		var expr *string
		if err := rows.Scan(&tr.TriggerID, &tr.RouterID, &tr.TablePattern,
			&tr.ChannelID, &tr.RouterType, &expr, &tr.TargetGroupID, &tr.Enabled); err != nil {
			return fmt.Errorf("failed to read trigger router: %w", err)
		}
		if expr != nil {
			tr.Expression = *expr
		}
		if !tr.Enabled {
			continue
		}
		pattern, err := glob.Compile(strings.ToLower(tr.TablePattern))
		if err != nil {
			return fmt.Errorf("bad table pattern %q for router %s: %w",
				tr.TablePattern, tr.RouterID, err)
		}
		tr.pattern = pattern
		snap.triggers[tr.ChannelID] = append(snap.triggers[tr.ChannelID], tr)
	}
	return rows.Err()
}

// ChannelsByPriority returns enabled channels in routing order.
func (s *Snapshot) ChannelsByPriority() []Channel {
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// TriggerRoutersForTable returns the channel's bindings matching table.
func (s *Snapshot) TriggerRoutersForTable(channelID, table string) []*TriggerRouter {
	key := channelID + "\x00" + table
	if cached, ok := s.tableMatch.Get(key); ok {
		return cached
	}

	var matched []*TriggerRouter
	for _, tr := range s.triggers[channelID] {
		if tr.Matches(table) {
			matched = append(matched, tr)
		}
	}
	s.tableMatch.Add(key, matched)
	return matched
}

// CandidateNodes returns the enabled nodes of a target group, excluding
// the local node (never route to self) and the event's source node
// (no ping-back).
func (s *Snapshot) CandidateNodes(targetGroupID, localNodeID, sourceNodeID string) []Node {
	group := s.nodesByGroup[targetGroupID]
	out := make([]Node, 0, len(group))
	for _, n := range group {
		if n.ID == localNodeID || (sourceNodeID != "" && n.ID == sourceNodeID) {
			continue
		}
		out = append(out, n)
	}
	return out
}
