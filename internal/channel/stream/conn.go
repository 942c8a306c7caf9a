// Package stream carries channel connections over byte streams such as TCP
// or Unix sockets.
//
// Every frame is a JSON document preceded by a Content-Length header, the
// same base framing LSP uses. A connection opens with a handshake frame
// {"channel": name}; every later frame is a wire message tagged with the
// same "channel" field so a misrouted stream is detected on the first frame.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/wire"
)

// ErrChannelMismatch indicates a frame tagged with another channel name.
var ErrChannelMismatch = errors.New("stream: frame for another channel")

const channelField = "channel"

// Conn is a channel connection over a net.Conn.
type Conn struct {
	id     string
	name   string
	rwc    net.Conn
	reader *bufio.Reader

	wmu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(rwc net.Conn, reader *bufio.Reader, name string) *Conn {
	return &Conn{
		id:     uuid.New().String(),
		name:   name,
		rwc:    rwc,
		reader: reader,
		done:   make(chan struct{}),
	}
}

// Client performs the client handshake on rwc for name.
func Client(rwc net.Conn, name string) (*Conn, error) {
	if name == "" {
		return nil, channel.ErrEmptyName
	}
	hello, err := sjson.SetBytes([]byte("{}"), channelField, name)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := writeFrame(rwc, hello); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return newConn(rwc, bufio.NewReaderSize(rwc, 64*1024), name), nil
}

// Server reads the client handshake from rwc and returns the connection
// bound to the announced name.
func Server(rwc net.Conn, timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		rwc.SetReadDeadline(time.Now().Add(timeout))
		defer rwc.SetReadDeadline(time.Time{})
	}

	reader := bufio.NewReaderSize(rwc, 64*1024)
	hello, err := readFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	name := gjson.GetBytes(hello, channelField).String()
	if name == "" {
		return nil, fmt.Errorf("handshake: %w", channel.ErrEmptyName)
	}
	return newConn(rwc, reader, name), nil
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Name returns the channel name agreed in the handshake.
func (c *Conn) Name() string { return c.name }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.rwc.RemoteAddr() }

// Send encodes msg, tags it with the channel name and writes one frame.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, channelField, c.name)
	if err != nil {
		return fmt.Errorf("tag frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.rwc, data); err != nil {
		if isClosedErr(err) {
			c.Close()
			return channel.ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads and decodes the next frame. Cancelling ctx interrupts the
// read; the stream should not be reused afterwards.
func (c *Conn) Receive(ctx context.Context) (wire.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		c.rwc.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := readFrame(c.reader)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Message{}, ctx.Err()
		}
		if isClosedErr(err) {
			c.Close()
			return wire.Message{}, channel.ErrClosed
		}
		return wire.Message{}, err
	}

	if tag := gjson.GetBytes(data, channelField); tag.Exists() && tag.String() != c.name {
		return wire.Message{}, fmt.Errorf("%w: %q", ErrChannelMismatch, tag.String())
	}
	return wire.Decode(data)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed once Close has been called or the peer hung up.
func (c *Conn) Done() <-chan struct{} { return c.done }

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
