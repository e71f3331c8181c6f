// Package wire implements the framed message transport: a 4-byte
// big-endian length prefix followed by the payload, over any byte stream.
// The codec knows nothing about message semantics.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sportsed/sportsed/model"
)

// MaxFrameSize bounds a single message. Anything larger is treated as a
// corrupt stream and kills the connection.
const MaxFrameSize = 16 << 20

const headerSize = 4

// WriteMessage writes one framed message. A short write is a fatal
// transport error for the connection.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return model.NewTransportError(fmt.Sprintf("message of %d bytes exceeds frame limit", len(payload)), nil)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	n, err := w.Write(frame)
	if err != nil {
		return model.NewTransportError("unable to write message", err)
	}
	if n < len(frame) {
		return model.NewTransportError(fmt.Sprintf("short write: %d of %d bytes", n, len(frame)), nil)
	}
	return nil
}

// Decoder incrementally reassembles framed messages from arbitrarily
// fragmented input. It never blocks; callers feed it whatever bytes have
// arrived and it emits each complete payload exactly once, in order.
type Decoder struct {
	buf  []byte
	size int // payload length of the frame in progress, -1 while reading the prefix
}

func NewDecoder() *Decoder {
	return &Decoder{size: -1}
}

// Feed appends newly arrived bytes and emits every message completed by
// them. A frame exceeding MaxFrameSize poisons the decoder and returns a
// transport error.
func (d *Decoder) Feed(p []byte, emit func(msg []byte)) error {
	d.buf = append(d.buf, p...)
	for {
		if d.size < 0 {
			if len(d.buf) < headerSize {
				return nil
			}
			size := binary.BigEndian.Uint32(d.buf)
			if size > MaxFrameSize {
				return model.NewTransportError(fmt.Sprintf("frame of %d bytes exceeds limit", size), nil)
			}
			d.size = int(size)
			d.buf = d.buf[headerSize:]
		}
		if len(d.buf) < d.size {
			return nil
		}
		msg := make([]byte, d.size)
		copy(msg, d.buf)
		d.buf = d.buf[d.size:]
		d.size = -1
		emit(msg)
	}
}
