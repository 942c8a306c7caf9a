package handler

import "errors"

// Errors shared by the dispatcher and caller roles.
var (
	// ErrEmptyCommand indicates an API was called with an empty command name.
	ErrEmptyCommand = errors.New("handler: command must not be empty")

	// ErrUnregisteredHandler indicates a message named a command with no
	// registered handler on the receiving side.
	ErrUnregisteredHandler = errors.New("handler: no handler registered for command")
)
