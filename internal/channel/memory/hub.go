// Package memory implements an in-process channel host.
//
// A Hub plays the role of a runtime's inter-context messaging primitive:
// one side listens on a name, any number of peers connect to it, and each
// connection is an in-memory duplex pipe with unbounded queues.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/wire"
)

const acceptBacklog = 64

// Hub routes Connect calls to the listener registered under the same name.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*Listener)}
}

// Listen registers a listener for name.
func (h *Hub) Listen(name string) (channel.Listener, error) {
	if name == "" {
		return nil, channel.ErrEmptyName
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %s", channel.ErrNameInUse, name)
	}

	l := &Listener{
		hub:     h,
		name:    name,
		backlog: make(chan *Conn, acceptBacklog),
		done:    make(chan struct{}),
	}
	h.listeners[name] = l
	return l, nil
}

// Connect opens a connection to the listener registered under name and
// returns the client end.
func (h *Hub) Connect(ctx context.Context, name string) (channel.Conn, error) {
	if name == "" {
		return nil, channel.ErrEmptyName
	}

	h.mu.Lock()
	l, ok := h.listeners[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", channel.ErrNoListener, name)
	}

	client, server := Pipe(name)
	select {
	case l.backlog <- server:
		return client, nil
	case <-l.done:
		client.Close()
		return nil, fmt.Errorf("%w: %s", channel.ErrNoListener, name)
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

// Names returns the names currently listened on.
func (h *Hub) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	return names
}

func (h *Hub) remove(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[l.name] == l {
		delete(h.listeners, l.name)
	}
}

// Listener accepts connections made through a Hub.
type Listener struct {
	hub       *Hub
	name      string
	backlog   chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (channel.Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Name returns the listened name.
func (l *Listener) Name() string { return l.name }

// Close unregisters the listener and closes connections never accepted.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.hub.remove(l)
		close(l.done)
		for {
			select {
			case c := <-l.backlog:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

// pipe is the state shared by both ends of a connection.
type pipe struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pipe) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Conn is one end of an in-memory connection.
type Conn struct {
	id   string
	name string
	in   *queue
	peer *Conn
	p    *pipe
}

// Pipe returns both ends of a new connection named name.
func Pipe(name string) (client, server *Conn) {
	p := &pipe{done: make(chan struct{})}
	client = &Conn{id: uuid.New().String(), name: name, in: newQueue(), p: p}
	server = &Conn{id: uuid.New().String(), name: name, in: newQueue(), p: p}
	client.peer = server
	server.peer = client
	return client, server
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Name returns the channel name.
func (c *Conn) Name() string { return c.name }

// Send queues msg for the peer.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case <-c.p.done:
		return channel.ErrClosed
	default:
	}
	c.peer.in.push(msg)
	return nil
}

// Receive returns the next message sent by the peer. Messages still queued
// when the link closes are dropped.
func (c *Conn) Receive(ctx context.Context) (wire.Message, error) {
	for {
		select {
		case <-c.p.done:
			return wire.Message{}, channel.ErrClosed
		default:
		}

		if msg, ok := c.in.pop(); ok {
			return msg, nil
		}

		select {
		case <-c.in.notify:
		case <-c.p.done:
			return wire.Message{}, channel.ErrClosed
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.p.close()
	return nil
}

// Done is closed once either end closes.
func (c *Conn) Done() <-chan struct{} { return c.p.done }

// Buffered returns the number of messages waiting to be received.
func (c *Conn) Buffered() int { return c.in.len() }
