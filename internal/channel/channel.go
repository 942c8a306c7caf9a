// Package channel is the boundary to the host's named, duplex, message-based
// channel primitive.
//
// A host listens on a logical name and hands out one Conn per accepted peer,
// or connects to a name and returns the client end. Conns deliver structured
// wire messages one at a time through Receive; when the underlying link
// closes, Receive returns ErrClosed (or the transport error that closed it).
// That return is the connection's close event.
package channel

import (
	"context"
	"errors"

	"github.com/dshills/portwire/internal/wire"
)

// Channel errors.
var (
	// ErrClosed indicates the connection or listener has been closed.
	ErrClosed = errors.New("channel: closed")

	// ErrNoListener indicates nobody listens on the requested name.
	ErrNoListener = errors.New("channel: no listener for name")

	// ErrNameInUse indicates a listener already exists for the name.
	ErrNameInUse = errors.New("channel: name already in use")

	// ErrEmptyName indicates an empty channel name.
	ErrEmptyName = errors.New("channel: name must not be empty")
)

// Conn is one open duplex link.
// Send is safe for concurrent use. Receive must be called from a single
// goroutine.
type Conn interface {
	// ID uniquely identifies the connection within the process.
	ID() string

	// Name is the logical channel name shared by both ends.
	Name() string

	// Send delivers a message to the peer.
	Send(msg wire.Message) error

	// Receive blocks until the next message arrives, the connection closes,
	// or ctx is done.
	Receive(ctx context.Context) (wire.Message, error)

	// Close closes the link for both ends. Closing twice is a no-op.
	Close() error

	// Done is closed once the connection has closed.
	Done() <-chan struct{}
}

// Listener yields connections opened against one name.
type Listener interface {
	// Accept blocks until a peer connects, the listener closes, or ctx is done.
	Accept(ctx context.Context) (Conn, error)

	// Name returns the logical name listened on.
	Name() string

	// Close stops accepting. Already accepted connections stay open.
	Close() error
}

// Host creates listeners and client connections.
type Host interface {
	Listen(name string) (Listener, error)
	Connect(ctx context.Context, name string) (Conn, error)
}

// IsClosed reports whether err signals a closed connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
