// Package caller implements the client role: it owns one connection, sends
// correlated requests and resolves them when the matching response arrives,
// and routes uncorrelated broadcasts to locally registered handlers.
//
// Broadcast handlers run one at a time, in arrival order, on a delivery
// goroutine separate from the read loop, so a handler may Call or Close.
//
// Requests have no timeout and cannot be cancelled. A request whose response
// never arrives keeps its pending entry until the connection closes, at which
// point it fails with channel.ErrClosed. Callers needing bounded latency wait
// with a deadline on the context passed to Call or Future.Wait.
package caller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/handler"
	"github.com/dshills/portwire/internal/logging"
	"github.com/dshills/portwire/internal/token"
	"github.com/dshills/portwire/internal/wire"
)

// BroadcastFunc reacts to a broadcast payload.
type BroadcastFunc func(payload any)

type pending struct {
	command string
	future  *handler.Future
}

type delivery struct {
	command string
	fn      BroadcastFunc
	payload any
}

// Caller issues requests over one connection.
type Caller struct {
	conn    channel.Conn
	tokens  token.Generator
	logger  *logging.Logger
	onFault func(err error)

	mu       sync.Mutex
	pending  map[string]pending
	handlers map[string]BroadcastFunc
	queued   []delivery // broadcasts awaiting their handler, oldest first
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option configures a Caller.
type Option func(*Caller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Caller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTokenLength sets the correlation token length.
func WithTokenLength(n int) Option {
	return func(c *Caller) {
		c.tokens = token.New(n)
	}
}

// WithFaultHandler is called when the connection is dropped because of a
// protocol fault such as an unknown token. The default logs the fault.
func WithFaultHandler(fn func(err error)) Option {
	return func(c *Caller) {
		c.onFault = fn
	}
}

// New wraps an open connection and starts reading from it.
func New(conn channel.Conn, opts ...Option) *Caller {
	c := &Caller{
		conn:     conn,
		tokens:   token.New(token.DefaultLength),
		logger:   logging.Nop(),
		pending:  make(map[string]pending),
		handlers: make(map[string]BroadcastFunc),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("caller").WithField("conn", conn.ID())
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.readLoop()
	go c.deliverLoop()
	return c
}

// Dial connects to name on host and returns a ready Caller.
func Dial(ctx context.Context, host channel.Host, name string, opts ...Option) (*Caller, error) {
	conn, err := host.Connect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	return New(conn, opts...), nil
}

// Conn returns the underlying connection.
func (c *Caller) Conn() channel.Conn { return c.conn }

// On registers the reaction to broadcasts of command, replacing any previous
// one. The handler chosen is the one registered when the broadcast arrives.
func (c *Caller) On(command string, fn BroadcastFunc) error {
	if command == "" {
		return handler.ErrEmptyCommand
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[command] = fn
	return nil
}

// Send issues a request and returns a future settled by its response.
// An empty command fails immediately without touching the connection.
func (c *Caller) Send(command string, payload any) *handler.Future {
	if command == "" {
		return handler.Failed(handler.ErrEmptyCommand)
	}

	f := handler.NewFuture()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return handler.Failed(err)
	}
	tok := c.tokens.Next()
	for _, taken := c.pending[tok]; taken; _, taken = c.pending[tok] {
		tok = c.tokens.Next()
	}
	c.pending[tok] = pending{command: command, future: f}
	c.mu.Unlock()

	if err := c.conn.Send(wire.NewRequest(command, payload, tok)); err != nil {
		c.mu.Lock()
		delete(c.pending, tok)
		c.mu.Unlock()
		f.Settle(handler.Fail(fmt.Errorf("send %s: %w", command, err)))
	}
	return f
}

// Call sends a request and waits for its response or for ctx to be done.
// Giving up on ctx leaves the request outstanding.
func (c *Caller) Call(ctx context.Context, command string, payload any) (any, error) {
	return c.Send(command, payload).Wait(ctx)
}

// Pending returns the number of outstanding requests.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the connection. Outstanding requests fail with
// channel.ErrClosed. It is safe to call from a broadcast handler.
func (c *Caller) Close() error {
	err := c.conn.Close()
	c.cancel()
	<-c.done
	return err
}

// Done is closed once the connection has closed and all outstanding
// requests have been failed.
func (c *Caller) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is open.
func (c *Caller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Caller) readLoop() {
	defer close(c.done)

	var cause error
	for {
		msg, err := c.conn.Receive(c.ctx)
		if err != nil {
			cause = err
			if errors.Is(err, context.Canceled) {
				cause = channel.ErrClosed
			}
			break
		}

		if err := c.handle(msg); err != nil {
			c.fault(err)
			cause = err
			break
		}
	}

	c.conn.Close()
	c.teardown(cause)
}

func (c *Caller) fault(err error) {
	if c.onFault != nil {
		c.onFault(err)
		return
	}
	c.logger.Error("%v", err)
}

func (c *Caller) teardown(cause error) {
	if cause == nil || channel.IsClosed(cause) {
		cause = channel.ErrClosed
	}

	c.mu.Lock()
	c.err = cause
	outstanding := c.pending
	c.pending = make(map[string]pending)
	c.mu.Unlock()

	for tok, p := range outstanding {
		c.logger.Debug("request %s (%s) abandoned: %v", tok, p.command, cause)
		p.future.Settle(handler.Fail(fmt.Errorf("%s: %w", p.command, cause)))
	}
}

// handle routes one inbound message. A returned error is fatal.
func (c *Caller) handle(msg wire.Message) error {
	if msg.Command != "" {
		c.mu.Lock()
		fn, ok := c.handlers[msg.Command]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("caller: broadcast %s: %w", msg.Command, handler.ErrUnregisteredHandler)
		}
		if fn != nil {
			c.enqueue(delivery{command: msg.Command, fn: fn, payload: msg.Payload})
		}
		return nil
	}

	c.mu.Lock()
	p, ok := c.pending[msg.Token]
	delete(c.pending, msg.Token)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownToken, msg.Token)
	}

	reply, err := msg.Reply()
	if err != nil {
		p.future.Settle(handler.Fail(err))
		return nil
	}
	if reply.Status {
		p.future.Settle(handler.Ok(reply.Data))
	} else {
		p.future.Settle(handler.Fail(&RemoteError{Command: p.command, Message: reply.Message}))
	}
	return nil
}

func (c *Caller) enqueue(d delivery) {
	c.mu.Lock()
	c.queued = append(c.queued, d)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliverLoop runs queued broadcast handlers until the read loop has
// finished and the queue is empty.
func (c *Caller) deliverLoop() {
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Caller) drain() {
	for {
		c.mu.Lock()
		if len(c.queued) == 0 {
			c.mu.Unlock()
			return
		}
		d := c.queued[0]
		c.queued[0] = delivery{}
		c.queued = c.queued[1:]
		c.mu.Unlock()

		c.deliver(d)
	}
}

func (c *Caller) deliver(d delivery) {
	defer func() {
		if v := recover(); v != nil {
			c.logger.Error("broadcast %s handler panicked: %v", d.command, v)
		}
	}()
	d.fn(d.payload)
}
