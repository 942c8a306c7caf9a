package dispatcher

import (
	"errors"
	"fmt"
)

// Dispatcher errors.
var (
	// ErrClosed indicates the dispatcher has been closed.
	ErrClosed = errors.New("dispatcher: closed")

	// ErrNameMismatch indicates a connection or listener bound to another name.
	ErrNameMismatch = errors.New("dispatcher: channel name mismatch")
)

// ProtocolError is a fatal contract violation on one connection, such as a
// request for a command nobody registered. It is never sent to the peer.
type ProtocolError struct {
	ConnID  string
	Command string
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("dispatcher: connection %s: command %s: %v", e.ConnID, e.Command, e.Err)
	}
	return fmt.Sprintf("dispatcher: connection %s: %v", e.ConnID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
