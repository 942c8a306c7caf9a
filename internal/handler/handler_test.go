package handler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResultOkAndFail(t *testing.T) {
	ok := Ok("pong")
	if !ok.IsOK() || ok.Err() != nil || ok.Data != "pong" {
		t.Errorf("Ok() = %+v", ok)
	}
	reply := ok.Reply()
	if !reply.Status || reply.Data != "pong" {
		t.Errorf("Ok().Reply() = %+v", reply)
	}

	fail := Fail(errors.New("boom"))
	if fail.IsOK() || fail.Err() == nil {
		t.Errorf("Fail() = %+v", fail)
	}
	reply = fail.Reply()
	if reply.Status || reply.Message != "boom" {
		t.Errorf("Fail().Reply() = %+v", reply)
	}
}

func TestFailNilError(t *testing.T) {
	r := Fail(nil)
	if r.IsOK() || r.Err() == nil {
		t.Errorf("Fail(nil) must still be a failure carrying an error, got %+v", r)
	}
}

func TestZeroErrorFailure(t *testing.T) {
	r := Result{Status: StatusError}
	if r.Err() == nil {
		t.Fatal("Err() = nil for a failed result")
	}
	reply := r.Reply()
	if reply.Status || reply.Message == "" {
		t.Errorf("Reply() = %+v, want a failure with a message", reply)
	}

	f := NewFuture()
	f.Settle(r)
	if _, err := f.Wait(context.Background()); err == nil {
		t.Error("Wait() = nil error for a failed result")
	}
}

func TestOnceCompletion(t *testing.T) {
	calls := 0
	done := Once(func(Result) { calls++ })
	done(Ok(1))
	done(Ok(2))
	done(Fail(errors.New("late")))
	if calls != 1 {
		t.Errorf("completion called %d times, want 1", calls)
	}
}

func TestSyncAdapter(t *testing.T) {
	fn := Sync(func(ctx context.Context, req *Request) (any, error) {
		if req.Payload == nil {
			return nil, errors.New("missing payload")
		}
		return req.Payload, nil
	})

	var got Result
	fn(context.Background(), &Request{Command: "x", Payload: 5}, func(r Result) { got = r })
	if !got.IsOK() || got.Data != 5 {
		t.Errorf("result = %+v", got)
	}

	fn(context.Background(), &Request{Command: "x"}, func(r Result) { got = r })
	if got.IsOK() || got.Err().Error() != "missing payload" {
		t.Errorf("result = %+v", got)
	}
}

func TestFutureSettleOnce(t *testing.T) {
	f := NewFuture()
	if _, ok := f.Result(); ok {
		t.Fatal("new future must not be settled")
	}
	if !f.Settle(Ok("a")) {
		t.Fatal("first Settle must report true")
	}
	if f.Settle(Ok("b")) {
		t.Fatal("second Settle must report false")
	}

	data, err := f.Wait(context.Background())
	if err != nil || data != "a" {
		t.Errorf("Wait() = %v, %v", data, err)
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if _, ok := f.Result(); ok {
		t.Error("cancelled wait must not settle the future")
	}
}

func TestFutureOnDone(t *testing.T) {
	f := NewFuture()
	got := make(chan Result, 1)
	f.OnDone(func(r Result) { got <- r })
	f.Settle(Fail(errors.New("x")))

	select {
	case r := <-got:
		if r.IsOK() {
			t.Errorf("OnDone result = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDone callback not called")
	}
}

func TestFailed(t *testing.T) {
	f := Failed(ErrEmptyCommand)
	_, err := f.Wait(context.Background())
	if !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Wait() error = %v, want ErrEmptyCommand", err)
	}
}
