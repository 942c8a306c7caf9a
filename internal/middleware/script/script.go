// Package script provides middlewares implemented as sandboxed Lua chunks.
//
// A script defines a global function check(command, payload). Returning a
// string (or raising an error) rejects the invocation with that message;
// returning nothing or nil lets it through.
//
//	function check(command, payload)
//	  if command == "shutdown" then
//	    return "shutdown is disabled"
//	  end
//	end
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/portwire/internal/handler"
	"github.com/dshills/portwire/internal/middleware"
)

// EntryPoint is the global function every script must define.
const EntryPoint = "check"

// Errors returned by script middlewares.
var (
	ErrNoEntryPoint = errors.New("script does not define " + EntryPoint)
	ErrClosed       = errors.New("script is closed")
)

// Logger receives the output of print() calls made by scripts.
type Logger interface {
	Debug(msg string, args ...any)
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger routes print() output to logger.
func WithLogger(logger Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// Middleware is a compiled Lua check function.
type Middleware struct {
	name   string
	logger Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// New compiles source under name.
func New(name, source string, opts ...Option) (*Middleware, error) {
	if name == "" {
		return nil, middleware.ErrEmptyName
	}

	m := &Middleware{name: name}
	for _, opt := range opts {
		opt(m)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(L)
	m.L = L
	m.installPrint()

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if _, ok := L.GetGlobal(EntryPoint).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", name, ErrNoEntryPoint)
	}
	return m, nil
}

// Load compiles the script at path. The middleware is named after the file
// without its extension.
func Load(path string, opts ...Option) (*Middleware, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(NameOf(path), string(data), opts...)
}

// NameOf returns the middleware name Load uses for path.
func NameOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// openLibraries opens only base, table, string and math. io, os, debug and
// package stay unloaded and the chunk loaders are removed from globals.
func openLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (m *Middleware) installPrint() {
	m.L.SetGlobal("print", m.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		if m.logger != nil {
			m.logger.Debug("script %s: %s", m.name, strings.Join(parts, "\t"))
		}
		return 0
	}))
}

// Name returns the middleware name.
func (m *Middleware) Name() string {
	return m.name
}

// Check runs the script against command and payload. A nil error means the
// invocation may proceed.
func (m *Middleware) Check(ctx context.Context, command string, payload any) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	L := m.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			L.SetTop(0)
			err = fmt.Errorf("script %s panicked: %v", m.name, r)
		}
	}()

	fn := L.GetGlobal(EntryPoint)
	L.Push(fn)
	L.Push(lua.LString(command))
	L.Push(toLua(L, payload))
	if callErr := L.PCall(2, 1, nil); callErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(errorMessage(callErr))
	}

	ret := L.Get(-1)
	L.Pop(1)
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		if bool(v) {
			return nil
		}
		return fmt.Errorf("rejected by %s", m.name)
	default:
		return errors.New(lua.LVAsString(L.ToStringMeta(ret)))
	}
}

// Func adapts the script to the pipeline.
func (m *Middleware) Func() middleware.Func {
	return func(ctx context.Context, req *handler.Request) error {
		return m.Check(ctx, req.Command, req.Payload)
	}
}

// Close releases the Lua state. Further checks fail with ErrClosed.
func (m *Middleware) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.L.Close()
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		if s, ok := apiErr.Object.(lua.LString); ok {
			return string(s)
		}
		return apiErr.Object.String()
	}
	return err.Error()
}
