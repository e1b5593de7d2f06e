package streamjson

import "sync"

// Wildcard receives every event regardless of path.
const Wildcard = "*"

// Handler receives routed events.
type Handler func(Event)

// Router dispatches parser events to handlers keyed by dotted path.
// Dispatch runs handlers on the caller's goroutine, so events for one path
// reach their handler in the order they were dispatched.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Register installs h for path, replacing any previous handler.
func (r *Router) Register(path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = h
}

// Unregister removes the handler for path.
func (r *Router) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, path)
}

// Dispatch invokes the exact-path handler and the wildcard handler.
func (r *Router) Dispatch(ev Event) {
	r.mu.RLock()
	var exact Handler
	if ev.Path != Wildcard {
		exact = r.routes[ev.Path]
	}
	wild := r.routes[Wildcard]
	r.mu.RUnlock()

	if exact != nil {
		exact(ev)
	}
	if wild != nil {
		wild(ev)
	}
}

// DispatchAll dispatches events in order.
func (r *Router) DispatchAll(events []Event) {
	for _, ev := range events {
		r.Dispatch(ev)
	}
}
