package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Router dispatches notifications to the transport that owns a session,
// chosen by the longest matching session key prefix.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Notifier
	fallback Notifier
}

// NewRouter creates a router. fallback may be nil, in which case
// notifications for unrouted sessions fail.
func NewRouter(fallback Notifier) *Router {
	return &Router{routes: make(map[string]Notifier), fallback: fallback}
}

// Handle routes sessions whose key starts with prefix to n.
func (r *Router) Handle(prefix string, n Notifier) {
	r.mu.Lock()
	r.routes[prefix] = n
	r.mu.Unlock()
}

// Notify implements Notifier.
func (r *Router) Notify(ctx context.Context, sessionKey, text string) error {
	r.mu.RLock()
	target, best := r.fallback, -1
	for prefix, n := range r.routes {
		if strings.HasPrefix(sessionKey, prefix) && len(prefix) > best {
			target, best = n, len(prefix)
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("no notifier for session %s", sessionKey)
	}
	return target.Notify(ctx, sessionKey, text)
}
