package client

import (
	"time"

	"github.com/jizhuozhi/go-future"

	"github.com/sportsed/sportsed/model"
)

// Future is the async result of one command. Resolution is at-most-once;
// a cancelled or failed future says nothing about the server-side effect.
type Future[T any] struct {
	inner  *future.Future[T]
	cancel func()
}

// Get blocks until the future resolves.
func (f *Future[T]) Get() (T, error) {
	return f.inner.Get()
}

// GetWithin blocks up to timeout. The timeout is caller-side only; the
// underlying call stays pending.
func (f *Future[T]) GetWithin(timeout time.Duration) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := f.inner.Get()
		done <- outcome{value, err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-time.After(timeout):
		var zero T
		return zero, model.NewTransportError("timed out waiting for reply", nil)
	}
}

// Then runs fn once the future resolves, immediately if it already has.
func (f *Future[T]) Then(fn func(T, error)) *Future[T] {
	go func() {
		fn(f.inner.Get())
	}()
	return f
}

// Cancel drops the pending reply mapping. A reply that still arrives is
// discarded.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
