package client

import (
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsed/sportsed/model"
)

func TestFutureGet(t *testing.T) {
	p := future.NewPromise[int]()
	f := &Future[int]{inner: p.Future()}

	go p.Set(7, nil)

	value, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestFutureGetWithinTimesOut(t *testing.T) {
	p := future.NewPromise[int]()
	f := &Future[int]{inner: p.Future()}

	_, err := f.GetWithin(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, model.KindTransport, model.KindOf(err))

	// the call is still pending; a late resolution is observable
	p.Set(7, nil)
	value, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestFutureThenFiresOnResolution(t *testing.T) {
	p := future.NewPromise[string]()
	f := &Future[string]{inner: p.Future()}

	done := make(chan string, 1)
	f.Then(func(value string, err error) {
		require.NoError(t, err)
		done <- value
	})

	p.Set("ready", nil)

	select {
	case value := <-done:
		assert.Equal(t, "ready", value)
	case <-time.After(time.Second):
		t.Fatal("continuation never fired")
	}
}

func TestFutureThenFiresImmediatelyWhenResolved(t *testing.T) {
	p := future.NewPromise[string]()
	p.Set("done", nil)
	f := &Future[string]{inner: p.Future()}

	done := make(chan string, 1)
	f.Then(func(value string, err error) {
		require.NoError(t, err)
		done <- value
	})

	select {
	case value := <-done:
		assert.Equal(t, "done", value)
	case <-time.After(time.Second):
		t.Fatal("continuation never fired")
	}
}

func TestFutureCancelDropsPending(t *testing.T) {
	cancelled := false
	p := future.NewPromise[int]()
	f := &Future[int]{inner: p.Future(), cancel: func() { cancelled = true }}

	f.Cancel()
	assert.True(t, cancelled)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "connected", StateConnected.String())
}
