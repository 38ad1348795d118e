package serviceapi

import (
	"net/http"
	"sync"

	"github.com/hubertpysklo/agent-diff/internal/session"
	"github.com/hubertpysklo/agent-diff/internal/token"
)

// ServiceHandler serves one faked third-party service (Slack, Linear, ...)
// against an environment-scoped session. Concrete handlers live outside this
// module (spec.md §1 scope): the dispatcher only knows how to route a
// request to whichever handler is registered under a given name.
type ServiceHandler interface {
	// ServeEnvironment handles a request already bound to sess's namespace.
	// claims carries the environment id and any impersonated identity from
	// the bearer token.
	ServeEnvironment(w http.ResponseWriter, r *http.Request, sess *session.Session, claims *token.Claims)
}

// Registry maps a service name (the {name} path segment) to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ServiceHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ServiceHandler)}
}

// Register binds name to h, overwriting any previous registration.
func (r *Registry) Register(name string, h ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered for name, if any.
func (r *Registry) Lookup(name string) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
