package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/loopworks/mendloop/provider"
)

// Func executes one tool invocation.
type Func func(ctx context.Context, args map[string]interface{}) (string, error)

// Registry maps tool names to their specs and implementations. It is the
// tool surface handed to the agent loop.
type Registry struct {
	mu    sync.RWMutex
	specs []provider.ToolSpec
	fns   map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{fns: map[string]Func{}}
}

func (r *Registry) Register(spec provider.ToolSpec, fn Func) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil func", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.specs = append(r.specs, spec)
	r.fns[spec.Name] = fn
	return nil
}

func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.ToolSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return fn(ctx, args)
}
