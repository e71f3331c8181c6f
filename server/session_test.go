package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/wire"
)

func TestSendDropsConnectionWhenOutboundQueueFills(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	// No write loop draining the queue: the peer has stopped reading.
	s := &session{
		id:       1,
		conn:     wire.NewConn(serverSide),
		outbound: make(chan []byte, 2),
		quit:     make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 5; i++ {
			s.push(uint64(i), model.ChangeResponse{LastRevision: model.Revision(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked on a stalled connection")
	}
	assert.Error(t, s.conn.Send([]byte("{}")), "overflow closes the connection")
}
