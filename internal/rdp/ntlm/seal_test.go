package ntlm

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealerWrapUnwrapRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	sender, err := NewClientSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiver, err := NewClientSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two messages in sequence: the second only decrypts if the first
	// unwrap advanced the receiver's keystream over both the data and
	// the sealed checksum.
	for _, msg := range [][]byte{[]byte("public key bytes"), []byte("ts credentials")} {
		blob := sender.Wrap(msg)
		if len(blob) != signatureLen+len(msg) {
			t.Fatalf("wrapped blob is %d bytes, want %d", len(blob), signatureLen+len(msg))
		}
		got, err := receiver.Unwrap(blob)
		if err != nil {
			t.Fatalf("unwrap failed: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("got %q, want %q", got, msg)
		}
	}
}

func TestSealerUnwrapRejectsTamperedData(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	sender, err := NewServerSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiver, err := NewServerSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blob := sender.Wrap([]byte("confirmation"))
	blob[len(blob)-1] ^= 0xFF
	if _, err := receiver.Unwrap(blob); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestSealerUnwrapRejectsShortBlob(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	s, err := NewClientSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Unwrap([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a blob shorter than a signature")
	}
}
