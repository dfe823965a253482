package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Endpoint describes how to reach one control plane.
type Endpoint struct {
	Driver  string
	URL     string
	Token   string
	Timeout time.Duration
}

// Factory builds a control plane for an endpoint.
type Factory func(ep Endpoint) (ControlPlane, error)

// Registry maps driver names to factories. It is built explicitly by the
// caller; nothing registers itself.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(driver string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driver] = f
}

// Open builds the control plane named by ep.Driver.
func (r *Registry) Open(ep Endpoint) (ControlPlane, error) {
	r.mu.RLock()
	f, ok := r.factories[ep.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown repository driver %q (known: %v)", ep.Driver, r.Drivers())
	}
	return f(ep)
}

func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
