package connector

import (
	"fmt"
	"sync"
)

// Registry is a concurrency-safe map of service name -> Connector: at most
// one connector per service, registration is startup-only, lookups are
// concurrent and read-locked.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector to every service it advertises. Returns an
// error if a service is already bound, a wiring mistake rather than a runtime
// condition, so it should fail fast at startup.
func (r *Registry) Register(c Connector) error {
	if c == nil {
		return fmt.Errorf("nil connector")
	}
	caps := c.Capabilities()
	if len(caps.Services) == 0 {
		return fmt.Errorf("connector advertises no services")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range caps.Services {
		if _, exists := r.connectors[svc]; exists {
			return fmt.Errorf("connector already registered for service=%s", svc)
		}
	}
	for _, svc := range caps.Services {
		r.connectors[svc] = c
	}
	return nil
}

// Get returns the connector responsible for a service, or (nil, false) if
// none is registered.
func (r *Registry) Get(service string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[service]
	return c, ok
}

// SupportsStatusQuery reports whether the connector for a service both
// exists and advertises query_status support; the recovery supervisor
// refuses to reconcile jobs whose connector lacks it.
func (r *Registry) SupportsStatusQuery(service string) bool {
	c, ok := r.Get(service)
	return ok && c.Capabilities().SupportsStatusQuery
}
