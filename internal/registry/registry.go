// Package registry maps command names to handlers and wraps every handler so
// each invocation first runs the middleware pipeline.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/dshills/portwire/internal/handler"
	"github.com/dshills/portwire/internal/middleware"
)

// ErrPanic indicates a handler panicked while running synchronously.
var ErrPanic = errors.New("registry: handler panic")

// Registry is the dispatch table for one dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handler.Func // command -> wrapped handler
	pipeline *middleware.Pipeline
	debug    func(string)
}

// New creates a registry whose handlers run behind p. A nil p means an
// empty pipeline.
func New(p *middleware.Pipeline) *Registry {
	if p == nil {
		p = middleware.New()
	}
	return &Registry{
		handlers: make(map[string]handler.Func),
		pipeline: p,
	}
}

// Pipeline returns the middleware pipeline shared by all handlers.
func (r *Registry) Pipeline() *middleware.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipeline
}

// SetPipeline replaces the pipeline, including for handlers already
// registered. Nil means an empty pipeline.
func (r *Registry) SetPipeline(p *middleware.Pipeline) {
	if p == nil {
		p = middleware.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline = p
}

// SetDebug installs the diagnostic sink. Nil restores the no-op sink.
func (r *Registry) SetDebug(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = fn
}

func (r *Registry) report(format string, args ...any) {
	r.mu.RLock()
	fn := r.debug
	r.mu.RUnlock()
	if fn != nil {
		fn(fmt.Sprintf(format, args...))
	}
}

// Register wraps fn with the pipeline and stores it under command,
// replacing any previous handler.
func (r *Registry) Register(command string, fn handler.Func) error {
	if command == "" {
		return handler.ErrEmptyCommand
	}
	if fn == nil {
		return fmt.Errorf("registry: nil handler for %s", command)
	}

	wrapped := r.wrap(command, fn)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = wrapped
	return nil
}

func (r *Registry) wrap(command string, fn handler.Func) handler.Func {
	return func(ctx context.Context, req *handler.Request, done handler.Completion) {
		done = handler.Once(done)

		if err := r.Pipeline().Run(ctx, req); err != nil {
			var rej *middleware.RejectError
			if errors.As(err, &rej) {
				r.report("middleware %s failed: %s", rej.Middleware, rej.Err.Error())
			}
			done(handler.Fail(err))
			return
		}

		r.execute(ctx, command, fn, req, func(res handler.Result) {
			if !res.IsOK() {
				r.report("command %s failed: %s", command, res.Err().Error())
			}
			done(res)
		})
	}
}

// execute runs fn and converts a synchronous panic into a failed result.
func (r *Registry) execute(ctx context.Context, command string, fn handler.Func, req *handler.Request, done handler.Completion) {
	defer func() {
		if v := recover(); v != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			r.report("command %s panicked: %v\n%s", command, v, stack[:n])
			done(handler.Fail(fmt.Errorf("%w: %s: %v", ErrPanic, command, v)))
		}
	}()

	fn(ctx, req, done)
}

// Get returns the wrapped handler for command.
func (r *Registry) Get(command string) (handler.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[command]
	return fn, ok
}

// Invoke runs the wrapped handler for req.Command. An unknown command is
// returned as ErrUnregisteredHandler without calling done.
func (r *Registry) Invoke(ctx context.Context, req *handler.Request, done handler.Completion) error {
	if req.Command == "" {
		return handler.ErrEmptyCommand
	}
	fn, ok := r.Get(req.Command)
	if !ok {
		return fmt.Errorf("%w: %s", handler.ErrUnregisteredHandler, req.Command)
	}
	fn(ctx, req, done)
	return nil
}

// Has returns true if a handler is registered for command.
func (r *Registry) Has(command string) bool {
	_, ok := r.Get(command)
	return ok
}

// Unregister removes the handler for command.
func (r *Registry) Unregister(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, command)
}

// List returns all registered command names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered commands.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
