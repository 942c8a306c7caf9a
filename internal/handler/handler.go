// Package handler defines command handlers, their requests and results.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/wire"
)

// Request is everything a handler or middleware sees about one invocation.
type Request struct {
	// Command is the command being executed.
	Command string

	// Payload is the request payload.
	Payload any

	// Message is the raw message that triggered the invocation.
	// For local emits it is a synthesized request without token.
	Message wire.Message

	// Conn is the connection the request arrived on, nil for local emits.
	Conn channel.Conn
}

// Completion reports the outcome of a handler.
type Completion func(Result)

// Func handles a command. It must call done exactly once, possibly from
// another goroutine after doing asynchronous work.
type Func func(ctx context.Context, req *Request, done Completion)

// Once wraps done so only the first call has any effect.
func Once(done Completion) Completion {
	var once sync.Once
	return func(r Result) {
		once.Do(func() {
			if done != nil {
				done(r)
			}
		})
	}
}

// Sync adapts a plain function into a Func that completes immediately.
func Sync(fn func(ctx context.Context, req *Request) (any, error)) Func {
	return func(ctx context.Context, req *Request, done Completion) {
		data, err := fn(ctx, req)
		if err != nil {
			done(Fail(err))
			return
		}
		done(Ok(data))
	}
}

// Status reports the outcome of a result.
type Status uint8

const (
	// StatusOK indicates success.
	StatusOK Status = iota
	// StatusError indicates failure.
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the discriminated outcome of a handler: data on success or an
// error on failure.
type Result struct {
	Status Status
	Data   any
	Error  error
}

// errNoReason stands in for a failure built without an error.
var errNoReason = errors.New("handler: failed without error")

// Ok creates a successful result.
func Ok(data any) Result {
	return Result{Status: StatusOK, Data: data}
}

// Fail creates a failed result.
func Fail(err error) Result {
	if err == nil {
		err = errNoReason
	}
	return Result{Status: StatusError, Error: err}
}

// Failf creates a failed result with a formatted message.
func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

// IsOK returns true if the result indicates success.
func (r Result) IsOK() bool {
	return r.Status == StatusOK
}

// Err returns the failure, or nil on success. A failure without an error
// still reports one.
func (r Result) Err() error {
	if r.IsOK() {
		return nil
	}
	if r.Error == nil {
		return errNoReason
	}
	return r.Error
}

// Reply converts the result into its wire form. Failures carry only the
// error message.
func (r Result) Reply() wire.Reply {
	if r.IsOK() {
		return wire.Success(r.Data)
	}
	return wire.Failure(r.Err().Error())
}
