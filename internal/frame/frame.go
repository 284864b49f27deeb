// Package frame implements the length-prefixed frame codec used on the
// host↔worker channel.
//
// Each frame is a fixed 4-byte little-endian length followed by exactly that
// many payload bytes. There is no separator, padding, or checksum. A length
// of zero is not an empty frame: it is the closure signal the peer writes (or
// the zero bytes the OS returns) when the channel is going away, and readers
// must stop reading instead of decoding it.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────┐
//	│ length  │   payload ... │
//	│ uint32  │ length bytes  │
//	└─────────┴───────────────┘
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the scratch buffer size used for reads. Sized for the
// common case (method signatures are short); larger frames allocate exactly
// what the declared length requires.
const DefaultBufferSize = 1024

// lengthSize is the width of the frame length prefix in bytes.
const lengthSize = 4

// ErrEndOfChannel signals that the peer closed the channel cleanly. It is the
// frame-level equivalent of io.EOF and is not a failure: the reading loop must
// stop without retrying.
var ErrEndOfChannel = errors.New("frame: end of channel")

// byteOrder is the wire byte order for the length prefix.
var byteOrder = binary.LittleEndian

// WriteFrame writes a length prefix followed by payload to w.
// An empty payload writes a zero length, which the peer interprets as a
// channel-closure signal, not as a frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [lengthSize]byte
	byteOrder.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r into buf, growing past buf's capacity only
// when the declared length requires it. It returns the payload slice (aliasing
// buf when it fits) or ErrEndOfChannel when the peer has closed the channel:
// either zero bytes arrived for the length prefix, or the prefix declared a
// zero length.
//
// A successful prefix read followed by a short or failed payload read is a
// transport error, not end of channel.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var prefix [lengthSize]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)) {
			return nil, ErrEndOfChannel
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := byteOrder.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEndOfChannel
	}

	if int(length) > len(buf) {
		buf = make([]byte, length)
	}
	payload := buf[:length]
	if n, err := io.ReadFull(r, payload); err != nil {
		// Zero payload bytes means the peer went away between prefix and
		// body; anything partial is a torn frame and therefore a transport
		// error, not a clean close.
		if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)) {
			return nil, ErrEndOfChannel
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// Codec binds a stream and a reusable scratch buffer for loop use.
type Codec struct {
	rw  io.ReadWriter
	buf []byte
}

// NewCodec creates a Codec over rw with a DefaultBufferSize scratch buffer.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		rw:  rw,
		buf: make([]byte, DefaultBufferSize),
	}
}

// Read reads the next frame. The returned slice is only valid until the next
// call to Read.
func (c *Codec) Read() ([]byte, error) {
	return ReadFrame(c.rw, c.buf)
}

// Write writes one frame.
func (c *Codec) Write(payload []byte) error {
	return WriteFrame(c.rw, payload)
}
