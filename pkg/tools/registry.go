package tools

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
)

// Registry maps tool types to adapters and tool names to definitions.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
	tools    map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Type]Adapter),
		tools:    make(map[string]Tool),
	}
}

// RegisterAdapter sets the adapter serving tools of type t.
func (r *Registry) RegisterAdapter(t Type, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t] = a
}

// RegisterTool adds or replaces a tool definition.
func (r *Registry) RegisterTool(tool Tool) error {
	if tool.Name == "" {
		return errors.New(errors.CodeInvalidInput, "tool name is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[tool.Type]; !ok {
		return errors.Newf(errors.CodeConfiguration, "no adapter registered for tool type %q", tool.Type).
			WithContext("tool", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Adapter returns the adapter for a tool type.
func (r *Registry) Adapter(t Type) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// Lookup resolves a tool name to its definition and adapter.
func (r *Registry) Lookup(name string) (Tool, Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, nil, errors.Newf(errors.CodeNotFound, "tool %q is not registered", name)
	}
	a, ok := r.adapters[tool.Type]
	if !ok {
		return Tool{}, nil, errors.Newf(errors.CodeConfiguration, "no adapter registered for tool type %q", tool.Type)
	}
	return tool, a, nil
}

// Tools returns the named tools in the given order, skipping unknown names.
// With no names it returns every tool sorted by name.
func (r *Registry) Tools(names ...string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		out := make([]Tool, 0, len(r.tools))
		for _, t := range r.tools {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// HealthCheck probes every adapter concurrently.
func (r *Registry) HealthCheck(ctx context.Context) map[Type]bool {
	r.mu.RLock()
	adapters := make(map[Type]Adapter, len(r.adapters))
	for t, a := range r.adapters {
		adapters[t] = a
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		out = make(map[Type]bool, len(adapters))
	)
	g, gctx := errgroup.WithContext(ctx)
	for t, a := range adapters {
		g.Go(func() error {
			ok := a.HealthCheck(gctx)
			mu.Lock()
			out[t] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// RegisterHealth adds one non-critical checker per adapter to reg.
func (r *Registry) RegisterHealth(reg *core.HealthRegistry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t, a := range r.adapters {
		reg.Register("tools."+string(t), core.BoolHealthChecker(a.HealthCheck, false))
	}
}
