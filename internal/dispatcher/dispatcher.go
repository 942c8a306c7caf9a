// Package dispatcher implements the server role: it owns the command
// registry and middleware pipeline for one channel name, serves any number
// of concurrent connections, answers correlated requests, and broadcasts
// uncorrelated messages to every live connection.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/handler"
	"github.com/dshills/portwire/internal/logging"
	"github.com/dshills/portwire/internal/middleware"
	"github.com/dshills/portwire/internal/registry"
	"github.com/dshills/portwire/internal/wire"
)

// Dispatcher routes requests arriving on its connections to handlers.
type Dispatcher struct {
	name     string
	registry *registry.Registry
	logger   *logging.Logger

	onFault      func(conn channel.Conn, err error)
	onConnect    func(conn channel.Conn)
	onDisconnect func(conn channel.Conn)

	mu    sync.RWMutex
	conns map[string]channel.Conn // live set, keyed by connection id

	ctx     context.Context
	cancel  context.CancelFunc
	readers sync.WaitGroup
	closed  bool
}

// New creates a dispatcher for the channel name.
func New(name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:     name,
		registry: registry.New(nil),
		logger:   logging.Nop(),
		conns:    make(map[string]channel.Conn),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.WithComponent("dispatcher").WithField("channel", name)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Name returns the channel name served.
func (d *Dispatcher) Name() string { return d.name }

// Debugger replaces the diagnostic sink. Nil restores the no-op sink.
func (d *Dispatcher) Debugger(fn func(string)) {
	d.registry.SetDebug(fn)
}

// Use registers a middleware under name. Re-registering a name replaces the
// function and keeps its position in the chain.
func (d *Dispatcher) Use(name string, fn middleware.Func) error {
	return d.registry.Pipeline().Use(name, fn)
}

// On registers the handler for command behind the middleware pipeline.
func (d *Dispatcher) On(command string, fn handler.Func) error {
	return d.registry.Register(command, fn)
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string { return d.registry.List() }

// Middlewares returns middleware names in execution order.
func (d *Dispatcher) Middlewares() []string { return d.registry.Pipeline().Names() }

// Serve accepts connections from l until ctx is done or l closes.
// Connections bound to another name are refused.
func (d *Dispatcher) Serve(ctx context.Context, l channel.Listener) error {
	if l.Name() != d.name {
		return fmt.Errorf("%w: listener %q, dispatcher %q", ErrNameMismatch, l.Name(), d.name)
	}

	d.logger.Info("serving")
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if channel.IsClosed(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := d.Attach(conn); err != nil {
			d.logger.Warn("refused connection %s: %v", conn.ID(), err)
			conn.Close()
			if errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

// Attach adds an accepted connection to the live set and starts routing its
// messages.
func (d *Dispatcher) Attach(conn channel.Conn) error {
	if conn.Name() != d.name {
		return fmt.Errorf("%w: connection %q", ErrNameMismatch, conn.Name())
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.conns[conn.ID()] = conn
	d.readers.Add(1)
	d.mu.Unlock()

	d.logger.Debug("connection %s attached", conn.ID())
	if d.onConnect != nil {
		d.onConnect(conn)
	}

	go d.readLoop(conn)
	return nil
}

func (d *Dispatcher) detach(conn channel.Conn) {
	d.mu.Lock()
	_, ok := d.conns[conn.ID()]
	delete(d.conns, conn.ID())
	d.mu.Unlock()

	if ok {
		d.logger.Debug("connection %s detached", conn.ID())
		if d.onDisconnect != nil {
			d.onDisconnect(conn)
		}
	}
}

func (d *Dispatcher) readLoop(conn channel.Conn) {
	defer d.readers.Done()
	defer d.detach(conn)

	for {
		msg, err := conn.Receive(d.ctx)
		if err != nil {
			if !channel.IsClosed(err) && !errors.Is(err, context.Canceled) {
				d.logger.Warn("connection %s: receive: %v", conn.ID(), err)
			}
			conn.Close()
			return
		}

		if err := d.route(conn, msg); err != nil {
			d.fault(conn, err)
			conn.Close()
			return
		}
	}
}

func (d *Dispatcher) fault(conn channel.Conn, err error) {
	if d.onFault != nil {
		d.onFault(conn, err)
		return
	}
	d.logger.Error("%v", err)
}

// route looks up the handler for a request and runs it on its own goroutine.
func (d *Dispatcher) route(conn channel.Conn, msg wire.Message) error {
	if msg.Command == "" {
		return &ProtocolError{ConnID: conn.ID(), Err: fmt.Errorf("%w: %s without command", wire.ErrInvalidMessage, msg.Kind())}
	}

	fn, ok := d.registry.Get(msg.Command)
	if !ok {
		return &ProtocolError{ConnID: conn.ID(), Command: msg.Command, Err: handler.ErrUnregisteredHandler}
	}

	req := &handler.Request{
		Command: msg.Command,
		Payload: msg.Payload,
		Message: msg,
		Conn:    conn,
	}
	go fn(d.ctx, req, func(res handler.Result) {
		d.respond(conn, msg, res)
	})
	return nil
}

func (d *Dispatcher) respond(conn channel.Conn, msg wire.Message, res handler.Result) {
	if msg.Token == "" {
		d.logger.Debug("command %s arrived without token, result dropped", msg.Command)
		return
	}
	if err := conn.Send(wire.NewResponse(msg.Token, res.Reply())); err != nil {
		d.logger.Warn("connection %s: respond to %s: %v", conn.ID(), msg.Command, err)
	}
}

// Emit invokes a registered handler locally, through the full middleware
// pipeline, without touching any connection.
func (d *Dispatcher) Emit(ctx context.Context, command string, payload any) *handler.Future {
	if command == "" {
		return handler.Failed(handler.ErrEmptyCommand)
	}
	fn, ok := d.registry.Get(command)
	if !ok {
		return handler.Failed(fmt.Errorf("%w: %s", handler.ErrUnregisteredHandler, command))
	}

	f := handler.NewFuture()
	fn(ctx, &handler.Request{
		Command: command,
		Payload: payload,
		Message: wire.NewRequest(command, payload, ""),
	}, f.Complete)
	return f
}

// Broadcast sends {command, payload} without token to every live
// connection. A failing connection does not stop the fan-out; all send
// errors are joined.
func (d *Dispatcher) Broadcast(command string, payload any) error {
	if command == "" {
		return handler.ErrEmptyCommand
	}

	msg := wire.NewBroadcast(command, payload)
	var errs []error
	for _, conn := range d.snapshot() {
		if err := conn.Send(msg); err != nil {
			d.logger.Warn("broadcast %s to %s: %v", command, conn.ID(), err)
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) snapshot() []channel.Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conns := make([]channel.Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connections returns the ids of live connections, sorted.
func (d *Dispatcher) Connections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionCount returns the number of live connections.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Close closes every live connection and waits for their read loops.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, conn := range d.snapshot() {
		conn.Close()
	}
	d.cancel()
	d.readers.Wait()
	d.logger.Info("closed")
	return nil
}
