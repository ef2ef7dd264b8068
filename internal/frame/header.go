// Package frame implements the 20-byte session-multiplexing header used
// on the websocket tunnel: [ sid(16 bytes) | len(4 bytes) | payload ].
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// HeaderLen is the fixed size of an encoded Header, before its payload.
const HeaderLen = 16 + 4

// ErrShortBuffer is returned by Decode when buf is too small to contain
// a full header.
var ErrShortBuffer = errors.New("frame: buffer shorter than header")

// ErrInvalidHeader is returned by Decode when the header decodes
// structurally but fails a content invariant: a nil session id or a
// zero-length payload declaration. Both indicate a desynced stream and
// are treated as fatal for the connection that produced them.
var ErrInvalidHeader = errors.New("frame: invalid header")

// Header is the fixed-size preamble of one tunnel frame.
type Header struct {
	SID uuid.UUID
	Len uint32
}

// Encode writes the 20-byte wire representation of h.
func (h Header) Encode() [HeaderLen]byte {
	var buf [HeaderLen]byte
	copy(buf[:16], h.SID[:])
	binary.BigEndian.PutUint32(buf[16:], h.Len)
	return buf
}

// Decode parses a Header from the front of buf. It rejects a nil
// session id and a zero Len, both of which the wire format never
// legitimately produces and which the agent's own Header type (the
// stricter of its two historical variants) also rejects.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortBuffer
	}
	var sid uuid.UUID
	copy(sid[:], buf[:16])
	if sid == uuid.Nil {
		return Header{}, ErrInvalidHeader
	}
	length := binary.BigEndian.Uint32(buf[16:HeaderLen])
	if length == 0 {
		return Header{}, ErrInvalidHeader
	}
	return Header{SID: sid, Len: length}, nil
}

// EncodeFrame returns the full wire frame for a session id and payload:
// the 20-byte header followed by payload verbatim.
func EncodeFrame(sid uuid.UUID, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	h := Header{SID: sid, Len: uint32(len(payload))}
	enc := h.Encode()
	copy(out, enc[:])
	copy(out[HeaderLen:], payload)
	return out
}
