// Package wire implements the mowlink envelope codec.
//
// Wire format, little-endian:
//
//	[type:u32][seq:u32][payloadLen:u32][payload:bytes]
//
// Frames are self-delimiting so several envelopes may be concatenated on a
// stream transport without extra framing.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize = 4 /*type*/ + 4 /*seq*/ + 4 /*payloadLen*/

	// Sanity bound on declared payload length. A frame declaring more is
	// corrupt, not merely incomplete.
	MaxPayloadSize = 1 << 20
)

var (
	// ErrTruncated means the buffer holds a proper prefix of a frame.
	// Stream consumers buffer more bytes and retry, it is not a failure.
	ErrTruncated = fmt.Errorf("envelope is truncated, need more data")
	// ErrMalformed means the header cannot describe a valid frame.
	ErrMalformed = fmt.Errorf("envelope is malformed")
)

type Envelope struct {
	Type    uint32
	Seq     uint32
	Payload []byte
}

func (e Envelope) String() string {
	return fmt.Sprintf("envelope(type=%d seq=%d len=%d)", e.Type, e.Seq, len(e.Payload))
}

// Marshal encodes one envelope into a fresh buffer.
func Marshal(e Envelope) []byte {
	return Append(make([]byte, 0, HeaderSize+len(e.Payload)), e)
}

// Append encodes one envelope onto dst, allowing frame concatenation.
func Append(dst []byte, e Envelope) []byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:], e.Type)
	binary.LittleEndian.PutUint32(h[4:], e.Seq)
	binary.LittleEndian.PutUint32(h[8:], uint32(len(e.Payload)))
	dst = append(dst, h[:]...)
	dst = append(dst, e.Payload...)
	return dst
}

// Parse decodes the first envelope in b and returns the number of bytes
// consumed, so callers can walk concatenated frames.
// Payload is copied, b may be reused after return.
//
// Errors: ErrTruncated when b is any proper prefix of a valid frame,
// ErrMalformed when the declared payload length exceeds MaxPayloadSize.
// Parse never blocks.
func Parse(b []byte) (Envelope, int, error) {
	var e Envelope
	if len(b) < HeaderSize {
		return e, 0, ErrTruncated
	}
	plen := binary.LittleEndian.Uint32(b[8:])
	if plen > MaxPayloadSize {
		return e, 0, ErrMalformed
	}
	total := HeaderSize + int(plen)
	if len(b) < total {
		return e, 0, ErrTruncated
	}
	e.Type = binary.LittleEndian.Uint32(b[0:])
	e.Seq = binary.LittleEndian.Uint32(b[4:])
	if plen > 0 {
		e.Payload = make([]byte, plen)
		copy(e.Payload, b[HeaderSize:total])
	}
	return e, total, nil
}
