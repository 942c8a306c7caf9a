package dispatcher

import (
	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/logging"
	"github.com/dshills/portwire/internal/middleware"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDebug installs the diagnostic sink at construction time.
func WithDebug(fn func(string)) Option {
	return func(d *Dispatcher) {
		d.registry.SetDebug(fn)
	}
}

// WithPipeline shares an existing middleware pipeline.
func WithPipeline(p *middleware.Pipeline) Option {
	return func(d *Dispatcher) {
		d.registry.SetPipeline(p)
	}
}

// WithFaultHandler is called when a connection is dropped because of a
// ProtocolError. The default logs the fault.
func WithFaultHandler(fn func(conn channel.Conn, err error)) Option {
	return func(d *Dispatcher) {
		d.onFault = fn
	}
}

// OnConnect is called after a connection joins the live set.
func OnConnect(fn func(conn channel.Conn)) Option {
	return func(d *Dispatcher) {
		d.onConnect = fn
	}
}

// OnDisconnect is called after a connection leaves the live set.
func OnDisconnect(fn func(conn channel.Conn)) Option {
	return func(d *Dispatcher) {
		d.onDisconnect = fn
	}
}
