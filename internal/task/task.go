// Package task binds named computations to the execution contexts that run them.
//
// A dispatcher never ships code to its worker. Instead both sides agree on a
// task name: the worker is started with the Handler registered under that name,
// and the dispatcher only exchanges JSON payloads with it.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one request inside an execution context.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Task is a typed Handler built from a plain Go function.
type Task[IN, OUT any] struct {
	name string
	fn   func(context.Context, IN) OUT
}

// Define wraps fn as a task named name.
func Define[IN, OUT any](name string, fn func(context.Context, IN) OUT) *Task[IN, OUT] {
	return &Task[IN, OUT]{name: name, fn: fn}
}

// Name implements Handler.
func (t *Task[IN, OUT]) Name() string { return t.name }

// Handle decodes payload into IN, runs the function and encodes OUT.
func (t *Task[IN, OUT]) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var in IN
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode %s input: %w", t.name, err)
	}
	out, err := json.Marshal(t.fn(ctx, in))
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", t.name, err)
	}
	return out, nil
}

// Run calls the function directly, bypassing any encoding.
func (t *Task[IN, OUT]) Run(ctx context.Context, in IN) OUT {
	return t.fn(ctx, in)
}

// Registry holds handlers indexed by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h. Names must be unique.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("task name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("task %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
