package route

import (
	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/registry"
)

// DataRouter decides which target nodes one change event goes to. The
// candidate set is fixed by the trigger-router binding; a policy returns
// a subset of the candidates' node ids, possibly empty. A policy may keep
// scratch state in the context cache but never touches batch state.
//
// A Route error is fatal to the whole pass. Skipping an event instead
// would break the delivery guarantee.
type DataRouter interface {
	Route(ctx *Context, ev *datalog.ChangeEvent, binding *registry.TriggerRouter,
		candidates []registry.Node) ([]string, error)

	// CompleteBatch runs when a batch the policy contributed to is
	// sealed; ContextCommitted runs after the pass transaction commits.
	CompleteBatch(ctx *Context, batch *OutgoingBatch)
	ContextCommitted(ctx *Context)
}

// BaseRouter provides no-op callbacks for policies that only route.
type BaseRouter struct{}

func (BaseRouter) CompleteBatch(*Context, *OutgoingBatch) {}
func (BaseRouter) ContextCommitted(*Context)              {}

// Routers is the policy lookup map built once at startup, keyed by the
// router_type column of the trigger-router configuration.
type Routers map[string]DataRouter

// BuiltinRouters returns the standard policy set.
func BuiltinRouters() Routers {
	return Routers{
		"default":     &DefaultRouter{},
		"column":      &ColumnMatchRouter{},
		"subset":      &SubsetRouter{},
		"lookuptable": NewLookupTableRouter(),
	}
}

// ForType resolves a policy by type. An unknown type logs once per call
// site's pass and falls back to routing everywhere, which is safer than
// silently dropping the event.
func (r Routers) ForType(routerType string) DataRouter {
	if router, ok := r[routerType]; ok {
		return router
	}
	log.Warn().Str("router_type", routerType).Msg("Unknown router type, using default policy")
	return r["default"]
}

// DefaultRouter sends every event to every candidate node.
type DefaultRouter struct {
	BaseRouter
}

func (r *DefaultRouter) Route(_ *Context, _ *datalog.ChangeEvent,
	_ *registry.TriggerRouter, candidates []registry.Node) ([]string, error) {
	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = n.ID
	}
	return ids, nil
}
