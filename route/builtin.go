package route

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/registry"
)

// ColumnMatchRouter routes on captured column values. The expression is a
// list of terms separated by " or "; an event goes to a candidate node
// when any term holds for that node.
//
// Term forms: COLUMN=VALUE, COLUMN!=VALUE, COLUMN contains VALUE,
// COLUMN not contains VALUE. An OLD_ prefix on COLUMN reads the
// pre-image. VALUE may be a literal, or a token: :EXTERNAL_ID, :NODE_ID
// and :GROUP_ID resolve per candidate node, and any other :NAME reads
// column NAME from the event.
type ColumnMatchRouter struct {
	BaseRouter
}

type columnOp int

const (
	opEquals columnOp = iota
	opNotEquals
	opContains
	opNotContains
)

type columnTerm struct {
	column   string
	oldImage bool
	op       columnOp
	value    string
}

func (r *ColumnMatchRouter) Route(ctx *Context, ev *datalog.ChangeEvent,
	binding *registry.TriggerRouter, candidates []registry.Node) ([]string, error) {
	terms, err := r.parsedTerms(ctx, binding)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, node := range candidates {
		for _, term := range terms {
			ok, err := term.eval(ev, node)
			if err != nil {
				return nil, fmt.Errorf("router %s: %w", binding.RouterID, err)
			}
			if ok {
				matched = append(matched, node.ID)
				break
			}
		}
	}
	return matched, nil
}

// parsedTerms parses the binding's expression once per pass and keeps the
// result in the context cache.
func (r *ColumnMatchRouter) parsedTerms(ctx *Context, binding *registry.TriggerRouter) ([]columnTerm, error) {
	key := "column." + binding.RouterID
	if cached, ok := ctx.CacheGet(key); ok {
		return cached.([]columnTerm), nil
	}
	terms, err := parseColumnExpression(binding.Expression)
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", binding.RouterID, err)
	}
	ctx.CachePut(key, terms)
	return terms, nil
}

func parseColumnExpression(expression string) ([]columnTerm, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty column match expression")
	}
	var terms []columnTerm
	for _, raw := range splitOr(expression) {
		term, err := parseColumnTerm(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func splitOr(expression string) []string {
	lower := strings.ToLower(expression)
	var parts []string
	start := 0
	for {
		i := strings.Index(lower[start:], " or ")
		if i < 0 {
			parts = append(parts, expression[start:])
			return parts
		}
		parts = append(parts, expression[start:start+i])
		start += i + len(" or ")
	}
}

func parseColumnTerm(raw string) (columnTerm, error) {
	var term columnTerm
	var left, right string
	lower := strings.ToLower(raw)

	switch {
	case strings.Contains(raw, "!="):
		term.op = opNotEquals
		left, right = splitOnce(raw, "!=")
	case strings.Contains(lower, " not contains "):
		term.op = opNotContains
		i := strings.Index(lower, " not contains ")
		left, right = raw[:i], raw[i+len(" not contains "):]
	case strings.Contains(lower, " contains "):
		term.op = opContains
		i := strings.Index(lower, " contains ")
		left, right = raw[:i], raw[i+len(" contains "):]
	case strings.Contains(raw, "="):
		term.op = opEquals
		left, right = splitOnce(raw, "=")
	default:
		return term, fmt.Errorf("unparseable expression term %q", raw)
	}

	term.column = strings.TrimSpace(left)
	term.value = strings.TrimSpace(right)
	if term.column == "" || term.value == "" {
		return term, fmt.Errorf("unparseable expression term %q", raw)
	}
	if rest, ok := strings.CutPrefix(term.column, "OLD_"); ok {
		term.oldImage = true
		term.column = rest
	}
	return term, nil
}

func splitOnce(s, sep string) (string, string) {
	i := strings.Index(s, sep)
	return s[:i], s[i+len(sep):]
}

func (t columnTerm) eval(ev *datalog.ChangeEvent, node registry.Node) (bool, error) {
	left := columnValue(ev, t.column, t.oldImage)

	right := t.value
	if token, ok := strings.CutPrefix(t.value, ":"); ok {
		switch token {
		case "EXTERNAL_ID":
			right = node.ExternalID
		case "NODE_ID":
			right = node.ID
		case "GROUP_ID":
			right = node.GroupID
		default:
			right = columnValue(ev, token, false)
		}
	}

	switch t.op {
	case opEquals:
		return left == right, nil
	case opNotEquals:
		return left != right, nil
	case opContains:
		return strings.Contains(left, right), nil
	case opNotContains:
		return !strings.Contains(left, right), nil
	}
	return false, fmt.Errorf("unknown column match operator %d", t.op)
}

// columnValue reads a column from the event, falling back to the primary
// key image. Deletes carry no post-image, so the pre-image serves there.
func columnValue(ev *datalog.ChangeEvent, column string, oldImage bool) string {
	if oldImage {
		return ev.OldData[column]
	}
	if v, ok := ev.RowData[column]; ok {
		return v
	}
	if v, ok := ev.PKData[column]; ok {
		return v
	}
	return ev.OldData[column]
}

// SubsetRouter routes to a fixed list of nodes named in the expression as
// comma-separated node ids or external ids.
type SubsetRouter struct {
	BaseRouter
}

func (r *SubsetRouter) Route(ctx *Context, _ *datalog.ChangeEvent,
	binding *registry.TriggerRouter, candidates []registry.Node) ([]string, error) {
	key := "subset." + binding.RouterID
	var members map[string]bool
	if cached, ok := ctx.CacheGet(key); ok {
		members = cached.(map[string]bool)
	} else {
		members = make(map[string]bool)
		for _, part := range strings.Split(binding.Expression, ",") {
			if part = strings.TrimSpace(part); part != "" {
				members[part] = true
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("router %s: empty subset expression", binding.RouterID)
		}
		ctx.CachePut(key, members)
	}

	var matched []string
	for _, node := range candidates {
		if members[node.ID] || members[node.ExternalID] {
			matched = append(matched, node.ID)
		}
	}
	return matched, nil
}

// LookupTableRouter routes through a mapping table in the engine store.
// The expression names the table and columns:
//
//	LOOKUP_TABLE=region_map
//	KEY_COLUMN=region
//	LOOKUP_KEY_COLUMN=region
//	EXTERNAL_ID_COLUMN=store_id
//
// The event's KEY_COLUMN value is looked up against LOOKUP_KEY_COLUMN
// rows; the matching EXTERNAL_ID_COLUMN values select candidate nodes by
// external id. The mapping loads once per pass through the pass
// transaction; parsed expressions are cached across passes keyed by the
// expression text.
type LookupTableRouter struct {
	BaseRouter
	parsed *lru.Cache[string, lookupParams]
}

type lookupParams struct {
	table            string
	keyColumn        string
	lookupKeyColumn  string
	externalIDColumn string
}

const lookupParseCacheSize = 64

// NewLookupTableRouter creates the lookup policy.
func NewLookupTableRouter() *LookupTableRouter {
	parsed, _ := lru.New[string, lookupParams](lookupParseCacheSize)
	return &LookupTableRouter{parsed: parsed}
}

func (r *LookupTableRouter) Route(ctx *Context, ev *datalog.ChangeEvent,
	binding *registry.TriggerRouter, candidates []registry.Node) ([]string, error) {
	params, err := r.params(binding)
	if err != nil {
		return nil, err
	}
	mapping, err := r.mapping(ctx, binding.RouterID, params)
	if err != nil {
		return nil, err
	}

	key := columnValue(ev, params.keyColumn, false)
	externalIDs := mapping[key]
	if len(externalIDs) == 0 {
		return nil, nil
	}

	var matched []string
	for _, node := range candidates {
		for _, externalID := range externalIDs {
			if node.ExternalID == externalID {
				matched = append(matched, node.ID)
				break
			}
		}
	}
	return matched, nil
}

func (r *LookupTableRouter) params(binding *registry.TriggerRouter) (lookupParams, error) {
	if cached, ok := r.parsed.Get(binding.Expression); ok {
		return cached, nil
	}
	var params lookupParams
	for _, line := range strings.FieldsFunc(binding.Expression, func(c rune) bool {
		return c == '\n' || c == '\r' || c == ' ' || c == '\t'
	}) {
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return params, fmt.Errorf("router %s: unparseable lookup line %q", binding.RouterID, line)
		}
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "LOOKUP_TABLE":
			params.table = strings.TrimSpace(value)
		case "KEY_COLUMN":
			params.keyColumn = strings.TrimSpace(value)
		case "LOOKUP_KEY_COLUMN":
			params.lookupKeyColumn = strings.TrimSpace(value)
		case "EXTERNAL_ID_COLUMN":
			params.externalIDColumn = strings.TrimSpace(value)
		}
	}
	if params.table == "" || params.keyColumn == "" ||
		params.lookupKeyColumn == "" || params.externalIDColumn == "" {
		return params, fmt.Errorf("router %s: lookup expression missing required settings", binding.RouterID)
	}
	r.parsed.Add(binding.Expression, params)
	return params, nil
}

// mapping loads the lookup table once per pass.
func (r *LookupTableRouter) mapping(ctx *Context, routerID string, params lookupParams) (map[string][]string, error) {
	cacheKey := "lookuptable." + routerID
	if cached, ok := ctx.CacheGet(cacheKey); ok {
		return cached.(map[string][]string), nil
	}

	rows, err := ctx.Tx().Query(fmt.Sprintf(
		"SELECT %s, %s FROM %s", params.lookupKeyColumn, params.externalIDColumn, params.table))
	if err != nil {
		return nil, fmt.Errorf("router %s: failed to load lookup table %s: %w", routerID, params.table, err)
	}
	defer rows.Close()

	mapping := make(map[string][]string)
	for rows.Next() {
		var key, externalID string
		if err := rows.Scan(&key, &externalID); err != nil {
			return nil, fmt.Errorf("router %s: failed to read lookup row: %w", routerID, err)
		}
		mapping[key] = append(mapping[key], externalID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ctx.CachePut(cacheKey, mapping)
	return mapping, nil
}
