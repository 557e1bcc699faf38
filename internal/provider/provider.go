// Package provider implements the value sources consumed by request
// templating: static value lists, file-backed streams, generated integer
// ranges, and response-derived buffers fed back by the executor.
//
// Every provider supports two extraction modes. Peek reads the next value
// without consuming it and never mutates state. Take consumes exactly
// once: concurrent Take calls from different endpoints never observe the
// same logical item twice. Each provider serializes its own mutation
// internally; there is no global lock across providers, so unrelated
// endpoints never contend.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Take when a finite provider has no more
// values and no repeat policy. Callers treat it as "endpoint cannot run
// this iteration", not as a fatal error.
var ErrExhausted = errors.New("provider exhausted")

// ErrBufferFull is returned by Push on a response-derived provider whose
// full-buffer policy is reject.
var ErrBufferFull = errors.New("provider buffer full")

// Provider is a named source of values.
type Provider interface {
	Name() string

	// Peek returns the next value without consuming it. The second
	// return is false when no value is currently available.
	Peek() (any, bool)

	// Take consumes the next value. It blocks only the calling
	// goroutine, until a value is available, the provider is exhausted
	// (ErrExhausted), or ctx is done.
	Take(ctx context.Context) (any, error)

	// Close tears the provider down. Blocked Take calls return
	// ErrExhausted.
	Close() error
}

// Pusher is implemented by providers that accept values pushed in from
// outside, i.e. response-derived providers and anything that supports
// auto-return of taken values.
type Pusher interface {
	Push(v any) error
}

// Registry owns all providers declared for a test run.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	autoReturn map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:  make(map[string]Provider),
		autoReturn: make(map[string]bool),
	}
}

// Add registers a provider under its name. Duplicate names are a
// configuration error.
func (r *Registry) Add(p Provider, autoReturn bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("duplicate provider %q", name)
	}
	r.providers[name] = p
	r.autoReturn[name] = autoReturn
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Has reports whether the named provider is declared. Configuration
// validation uses this to reject unresolved template references before a
// run starts.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// AutoReturn reports whether values taken from the named provider should
// be pushed back once the dispatch that consumed them completes.
func (r *Registry) AutoReturn(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autoReturn[name]
}

// Return pushes a previously taken value back into the named provider.
// Providers that cannot accept pushes ignore the value.
func (r *Registry) Return(name string, v any) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if pusher, ok := p.(Pusher); ok {
		// A full reject-policy buffer drops the returned value; the
		// alternative is blocking the dispatch path.
		_ = pusher.Push(v)
	}
}

// Names returns the declared provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Close tears down every provider. The first error wins; teardown still
// reaches all providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
