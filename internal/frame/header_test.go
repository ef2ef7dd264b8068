package frame

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	sid := uuid.New()
	h := Header{SID: sid, Len: 42}
	enc := h.Encode()

	got, err := Decode(enc[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SID != sid || got.Len != 42 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderLen-1)); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDecodeRejectsNilUUID(t *testing.T) {
	h := Header{SID: uuid.Nil, Len: 10}
	enc := h.Encode()
	if _, err := Decode(enc[:]); err != ErrInvalidHeader {
		t.Fatalf("expected ErrInvalidHeader for nil sid, got %v", err)
	}
}

func TestDecodeRejectsZeroLen(t *testing.T) {
	h := Header{SID: uuid.New(), Len: 0}
	enc := h.Encode()
	if _, err := Decode(enc[:]); err != ErrInvalidHeader {
		t.Fatalf("expected ErrInvalidHeader for zero len, got %v", err)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	sid := uuid.New()
	h := Header{SID: sid, Len: 3}
	enc := h.Encode()
	buf := append(enc[:], []byte("abc-extra-trailing")...)

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SID != sid || got.Len != 3 {
		t.Fatalf("unexpected header: %+v", got)
	}
}

func TestEncodeFrame(t *testing.T) {
	sid := uuid.New()
	payload := []byte("hello rdp")
	wire := EncodeFrame(sid, payload)

	h, err := Decode(wire)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.SID != sid || int(h.Len) != len(payload) {
		t.Fatalf("unexpected header from EncodeFrame: %+v", h)
	}
	if !bytes.Equal(wire[HeaderLen:], payload) {
		t.Fatalf("payload mismatch: got %q, want %q", wire[HeaderLen:], payload)
	}
}
