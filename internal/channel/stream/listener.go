package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dshills/portwire/internal/channel"
)

// DefaultHandshakeTimeout bounds how long an accepted stream may take to
// announce its channel name.
const DefaultHandshakeTimeout = 5 * time.Second

// Listener accepts streams for one channel name. Streams announcing another
// name are closed.
type Listener struct {
	l       net.Listener
	name    string
	timeout time.Duration

	conns     chan *Conn
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	rejected func(addr net.Addr, err error)
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) ListenerOption {
	return func(ln *Listener) {
		if d > 0 {
			ln.timeout = d
		}
	}
}

// WithRejectHandler is called for streams refused during the handshake.
func WithRejectHandler(fn func(addr net.Addr, err error)) ListenerOption {
	return func(ln *Listener) {
		ln.rejected = fn
	}
}

// NewListener starts accepting streams from l for name.
func NewListener(l net.Listener, name string, opts ...ListenerOption) *Listener {
	ln := &Listener{
		l:       l,
		name:    name,
		timeout: DefaultHandshakeTimeout,
		conns:   make(chan *Conn),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ln)
	}
	ln.wg.Add(1)
	go ln.acceptLoop()
	return ln
}

// Name returns the channel name listened for.
func (ln *Listener) Name() string { return ln.name }

// Addr returns the network address listened on.
func (ln *Listener) Addr() net.Addr { return ln.l.Addr() }

func (ln *Listener) acceptLoop() {
	defer ln.wg.Done()
	for {
		rwc, err := ln.l.Accept()
		if err != nil {
			select {
			case <-ln.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					ln.errs <- err
				}
			}
			return
		}

		ln.wg.Add(1)
		go ln.handshake(rwc)
	}
}

func (ln *Listener) handshake(rwc net.Conn) {
	defer ln.wg.Done()

	conn, err := Server(rwc, ln.timeout)
	if err == nil && conn.Name() != ln.name {
		err = fmt.Errorf("%w: %q", ErrChannelMismatch, conn.Name())
	}
	if err != nil {
		rwc.Close()
		if ln.rejected != nil {
			ln.rejected(rwc.RemoteAddr(), err)
		}
		return
	}

	select {
	case ln.conns <- conn:
	case <-ln.done:
		conn.Close()
	}
}

// Accept returns the next stream that completed the handshake.
func (ln *Listener) Accept(ctx context.Context) (channel.Conn, error) {
	select {
	case c := <-ln.conns:
		return c, nil
	case err := <-ln.errs:
		return nil, fmt.Errorf("accept: %w", err)
	case <-ln.done:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes the network listener.
func (ln *Listener) Close() error {
	var err error
	ln.closeOnce.Do(func() {
		close(ln.done)
		err = ln.l.Close()
		ln.wg.Wait()
	})
	return err
}

// Host implements channel.Host on top of a network address.
type Host struct {
	Network string
	Address string

	// HandshakeTimeout overrides DefaultHandshakeTimeout for listeners.
	HandshakeTimeout time.Duration
}

// NewHost returns a host for network and address, e.g. "tcp", "127.0.0.1:7070".
func NewHost(network, address string) *Host {
	return &Host{Network: network, Address: address}
}

// Listen binds the address and accepts streams announcing name.
func (h *Host) Listen(name string) (channel.Listener, error) {
	if name == "" {
		return nil, channel.ErrEmptyName
	}
	l, err := net.Listen(h.Network, h.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", h.Network, h.Address, err)
	}
	return NewListener(l, name, WithHandshakeTimeout(h.HandshakeTimeout)), nil
}

// Connect dials the address and announces name.
func (h *Host) Connect(ctx context.Context, name string) (channel.Conn, error) {
	var d net.Dialer
	rwc, err := d.DialContext(ctx, h.Network, h.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", h.Network, h.Address, err)
	}
	conn, err := Client(rwc, name)
	if err != nil {
		rwc.Close()
		return nil, err
	}
	return conn, nil
}
