package servers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"toolhub/internal/tool"
)

// ToolServer is a pluggable module hosted inside the worker runtime. A
// module exposes a name, a schema-described tool list, and a single
// CallTool entry point. Modules that hold internal mutable state are
// responsible for serializing their own mutations; the runtime offers no
// cross-call sequencing.
type ToolServer interface {
	Name() string
	Version() string
	Description() string
	Tools() []tool.Descriptor
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// ContextAware lets a module expose ambient state (e.g. the current
// session) without a separate tool call per invocation. Both methods are
// optional; the runtime synthesizes a fallback for modules that do not
// implement them.
type ContextAware interface {
	GetServiceContext(opts map[string]any) (string, error)
	SwitchContext(opts map[string]any) error
}

// Registry is the static table of modules available to one worker
// runtime.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]ToolServer
}

// NewRegistry builds a registry over the given modules. Duplicate names
// keep the first registration.
func NewRegistry(modules ...ToolServer) *Registry {
	r := &Registry{servers: make(map[string]ToolServer)}
	for _, m := range modules {
		if _, exists := r.servers[m.Name()]; exists {
			continue
		}
		r.servers[m.Name()] = m
	}
	return r
}

// Default returns the registry with the built-in modules.
func Default() *Registry {
	return NewRegistry(NewCalculator(), NewTodo(), NewClock())
}

// Get looks up a module by name.
func (r *Registry) Get(name string) (ToolServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool server: %s", name)
	}
	return server, nil
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
