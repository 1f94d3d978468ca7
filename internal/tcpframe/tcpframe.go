// Package tcpframe implements RFC 4571 length-prefixed framing of STUN,
// DTLS, and SRTP packets carried over the ICE-TCP connection.
package tcpframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest payload RFC 4571 can express in its 2-byte
// big-endian length prefix.
const MaxFrameSize = 65535

// ErrFrameTooLarge is returned when a payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("tcpframe: frame exceeds 65535 bytes")

// ErrZeroLength is returned when a peer advertises a zero-length frame.
// RFC 4571 forbids it and a zero-length frame carries no interpretable
// packet, so the connection that sent it should be rejected.
var ErrZeroLength = errors.New("tcpframe: zero-length frame")

// Encode prepends a 2-byte big-endian length prefix to payload and returns
// the combined frame as a new buffer.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrZeroLength
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	return frame, nil
}

// Decoder reassembles RFC 4571 frames from a byte stream that may arrive in
// arbitrary segment boundaries, including one byte at a time.
//
// Decoder is not safe for concurrent use; each TCP connection owns exactly
// one Decoder.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Extend appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Extend(b []byte) {
	d.buf = append(d.buf, b...)
}

// NextPacket returns the next complete payload, or ok=false if the buffer
// does not yet contain one full frame. After a successful return of a
// payload of size N, exactly N+2 bytes have been consumed from the internal
// buffer — the returned slice is a fresh copy, safe to retain past the next
// call.
func (d *Decoder) NextPacket() (payload []byte, ok bool, err error) {
	if len(d.buf) < 2 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint16(d.buf[:2])
	if length == 0 {
		return nil, false, ErrZeroLength
	}
	total := 2 + int(length)
	if len(d.buf) < total {
		return nil, false, nil
	}
	out := make([]byte, length)
	copy(out, d.buf[2:total])
	remaining := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]
	return out, true, nil
}

// TakeRemaining returns and clears whatever unparsed bytes remain in the
// internal buffer.
func (d *Decoder) TakeRemaining() []byte {
	rem := d.buf
	d.buf = nil
	return rem
}
