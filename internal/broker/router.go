package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler serves one pattern. The returned value is JSON-encoded into the
// reply when the caller used Send.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Router is a validated (service, action) -> Handler table. Routes are
// registered and checked at startup; lookups never resolve dynamically.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Register adds the route service.action.
func (r *Router) Register(service, action string, h Handler) error {
	if strings.TrimSpace(service) == "" || strings.TrimSpace(action) == "" {
		return fmt.Errorf("register route: service and action are required")
	}
	if strings.Contains(service, ".") {
		return fmt.Errorf("register route %s.%s: service must not contain '.'", service, action)
	}
	if h == nil {
		return fmt.Errorf("register route %s.%s: nil handler", service, action)
	}

	pattern := Pattern(service, action)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.routes[pattern]; dup {
		return fmt.Errorf("register route %s: already registered", pattern)
	}
	r.routes[pattern] = h
	return nil
}

// Require fails when any of patterns has no handler.
func (r *Router) Require(patterns ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range patterns {
		if _, ok := r.routes[p]; !ok {
			errs = append(errs, fmt.Errorf("%s: %w", p, ErrRouteNotFound))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Lookup(pattern string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.routes[pattern]
	return h, ok
}

// Patterns lists registered patterns in sorted order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
