package host

import (
	"context"
	"sync"

	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Router sends each call to the first resolver that handles its symbol.
type Router struct {
	mu        sync.RWMutex
	resolvers []Resolver
}

// NewRouter creates a router over resolvers, consulted in order.
func NewRouter(resolvers ...Resolver) *Router {
	return &Router{resolvers: append([]Resolver(nil), resolvers...)}
}

// Add appends a resolver.
func (r *Router) Add(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// Handles reports whether any resolver serves symbol.
func (r *Router) Handles(symbol string) bool {
	return r.route(symbol) != nil
}

// Handle dispatches the call.
func (r *Router) Handle(ctx context.Context, call effect.HostCall) (value.Value, error) {
	res := r.route(call.FnSymbol)
	if res == nil {
		return nil, rterrors.Newf(rterrors.CodeNotFound, "no host handles %s", call.FnSymbol).
			WithContext("namespace", call.Namespace()).
			WithRecoverable(false)
	}
	return res.Handle(ctx, call)
}

func (r *Router) route(symbol string) Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.resolvers {
		if res.Handles(symbol) {
			return res
		}
	}
	return nil
}

var _ Resolver = (*Router)(nil)
