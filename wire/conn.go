package wire

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sportsed/sportsed/model"
)

// Conn frames messages over a net.Conn. Sends from multiple goroutines are
// serialized so frames never interleave; reads happen on a single loop.
type Conn struct {
	raw     net.Conn
	dec     *Decoder
	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, dec: NewDecoder()}
}

// Send writes one framed message. Fails once the connection is closed.
func (c *Conn) Send(msg []byte) error {
	if c.closed.Load() {
		return model.NewTransportError("connection is closed", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.raw, msg)
}

// ReadLoop reads until the peer disconnects or the stream turns corrupt,
// invoking handler once per complete message. A clean EOF or local close
// returns nil.
func (c *Conn) ReadLoop(handler func(msg []byte)) error {
	buf := make([]byte, 4096)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			if ferr := c.dec.Feed(buf[:n], handler); ferr != nil {
				c.Close()
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return nil
			}
			return model.NewTransportError("read failed", err)
		}
	}
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// PeerHost returns the remote host without the port, or "local" for
// transports without a network address (in-process pipes).
func (c *Conn) PeerHost() string {
	addr := c.raw.RemoteAddr()
	if addr == nil {
		return "local"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return "local"
	}
	return host
}
