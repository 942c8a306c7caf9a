// Package middleware provides the ordered interceptor chain that runs before
// every command handler.
//
// Middlewares are kept as an ordered list of (name, func) pairs. Execution
// order is registration order. Registering under an existing name replaces
// the function in place, so the entry keeps its original position.
//
// The first middleware that returns an error stops the chain; later
// middlewares and the handler do not run.
package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/portwire/internal/handler"
)

// ErrEmptyName indicates a middleware registered without a name.
var ErrEmptyName = errors.New("middleware: name must not be empty")

// Func inspects a request before its handler runs. Returning a non-nil error
// aborts the invocation.
type Func func(ctx context.Context, req *handler.Request) error

// RejectError is returned by Run when a middleware aborts. Its message is the
// middleware's own error message, unchanged.
type RejectError struct {
	Middleware string
	Err        error
}

// Error returns the underlying middleware error message.
func (e *RejectError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the middleware's error.
func (e *RejectError) Unwrap() error {
	return e.Err
}

type entry struct {
	name string
	fn   Func
}

// Pipeline is an ordered, named set of middlewares. It is safe for
// concurrent use; Run iterates a snapshot taken when it starts.
type Pipeline struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use registers fn under name. An existing entry with the same name is
// replaced in place.
func (p *Pipeline) Use(name string, fn Func) error {
	if name == "" {
		return ErrEmptyName
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.name == name {
			p.entries[i].fn = fn
			return nil
		}
	}
	p.entries = append(p.entries, entry{name: name, fn: fn})
	return nil
}

// Remove deletes the middleware registered under name.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.name == name {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether a middleware is registered under name.
func (p *Pipeline) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

// Names returns middleware names in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of registered middlewares.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Clear removes all middlewares.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
}

// Run executes every middleware in order and stops at the first error,
// which is returned as a *RejectError.
func (p *Pipeline) Run(ctx context.Context, req *handler.Request) error {
	p.mu.RLock()
	entries := make([]entry, len(p.entries))
	copy(entries, p.entries)
	p.mu.RUnlock()

	for _, e := range entries {
		if e.fn == nil {
			continue
		}
		if err := e.fn(ctx, req); err != nil {
			return &RejectError{Middleware: e.name, Err: err}
		}
	}
	return nil
}
