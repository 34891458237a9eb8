package resource

import (
	"context"
	"sync"
)

// Set holds the resources loaded into one execution context, in the order the
// dispatcher listed them.
type Set struct {
	order []string

	mu     sync.RWMutex
	loaded map[string]Resource
}

// NewSet prepares a set for locators.
func NewSet(locators []string) *Set {
	return &Set{
		order:  append([]string(nil), locators...),
		loaded: make(map[string]Resource, len(locators)),
	}
}

// Put records a loaded resource.
func (s *Set) Put(r Resource) {
	s.mu.Lock()
	s.loaded[r.Locator] = r
	s.mu.Unlock()
}

// Get returns the resource loaded for locator.
func (s *Set) Get(locator string) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.loaded[locator]
	return r, ok
}

// All returns the loaded resources in listing order.
func (s *Set) All() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.loaded))
	for _, loc := range s.order {
		if r, ok := s.loaded[loc]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Len reports how many resources are loaded.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.loaded)
}

type setKey struct{}

// WithSet attaches s to ctx for tasks to read.
func WithSet(ctx context.Context, s *Set) context.Context {
	return context.WithValue(ctx, setKey{}, s)
}

// FromContext returns the set attached to ctx, or an empty one.
func FromContext(ctx context.Context) *Set {
	if s, ok := ctx.Value(setKey{}).(*Set); ok && s != nil {
		return s
	}
	return NewSet(nil)
}
