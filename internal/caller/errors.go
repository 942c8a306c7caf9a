package caller

import "errors"

// ErrUnknownToken indicates a response whose token matches no outstanding
// request. It is fatal for the connection.
var ErrUnknownToken = errors.New("caller: response for unknown token")

// RemoteError carries the failure message of a response with status false.
type RemoteError struct {
	Command string
	Message string
}

// Error returns the remote message unchanged.
func (e *RemoteError) Error() string {
	return e.Message
}
