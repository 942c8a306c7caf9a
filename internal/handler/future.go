package handler

import (
	"context"
	"sync"
)

// Future is an asynchronous completion handle settled exactly once.
// Waiters may block with Wait, select on Done, or register callbacks.
type Future struct {
	ch     chan struct{}
	result Result
	once   sync.Once
}

// NewFuture allocates an unsettled future.
func NewFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// Failed returns a future already settled with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Settle(Fail(err))
	return f
}

// Settle completes the future. Later calls are ignored and report false.
func (f *Future) Settle(r Result) bool {
	settled := false
	f.once.Do(func() {
		f.result = r
		close(f.ch)
		settled = true
	})
	return settled
}

// Complete is a Completion that settles f.
func (f *Future) Complete(r Result) {
	f.Settle(r)
}

// Done returns a channel closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks until the future settles or ctx is done.
// Context cancellation only stops the wait; it does not cancel the work.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.ch:
		return f.result.Data, f.result.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the result and whether the future has settled.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.ch:
		return f.result, true
	default:
		return Result{}, false
	}
}

// OnDone runs cb in a new goroutine once the future settles.
func (f *Future) OnDone(cb func(Result)) {
	go func() {
		<-f.ch
		cb(f.result)
	}()
}
