package credssp

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestRunAcceptorAndInitiatorHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	identity := Identity{Domain: "", Username: "alice", Password: "hunter2"}
	serverPublicKey := []byte("fake-spki-bytes-standing-in-for-a-certificate")

	acceptorErr := make(chan error, 1)
	initiatorErr := make(chan error, 1)

	go func() {
		acceptorErr <- RunAcceptor(bufio.NewReader(serverConn), serverConn, identity, serverPublicKey, "10.0.0.1")
	}()
	go func() {
		initiatorErr <- RunInitiator(bufio.NewReader(clientConn), clientConn, identity, serverPublicKey, "10.0.0.1")
	}()

	select {
	case err := <-acceptorErr:
		if err != nil {
			t.Fatalf("acceptor failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptor")
	}
	select {
	case err := <-initiatorErr:
		if err != nil {
			t.Fatalf("initiator failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initiator")
	}
}

// TestRunAcceptorDoesNotGateOnPassword asserts the acceptor never
// returns ErrAuthenticationFailed for a mismatched password: the proxy
// is not interested in verifying the client's credentials, so any
// syntactically valid NTLMv2 response must be accepted rather than
// rejected as an authentication failure.
func TestRunAcceptorDoesNotGateOnPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	acceptorIdentity := Identity{Username: "alice", Password: "hunter2"}
	initiatorIdentity := Identity{Username: "alice", Password: "wrongpassword"}
	serverPublicKey := []byte("fake-spki-bytes")

	acceptorErr := make(chan error, 1)
	go func() {
		acceptorErr <- RunAcceptor(bufio.NewReader(serverConn), serverConn, acceptorIdentity, serverPublicKey, "10.0.0.1")
	}()
	go func() {
		RunInitiator(bufio.NewReader(clientConn), clientConn, initiatorIdentity, serverPublicKey, "10.0.0.1")
	}()

	select {
	case err := <-acceptorErr:
		if errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("acceptor must not gate success on matching credentials, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptor")
	}
}

func TestWriteEarlyUserAuthResult(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEarlyUserAuthResult(&buf, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 0, 0, 0}) {
		t.Fatalf("got %x, want success (all-zero)", buf.Bytes())
	}

	buf.Reset()
	if err := WriteEarlyUserAuthResult(&buf, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{5, 0, 0, 0}) {
		t.Fatalf("got %x, want access-denied", buf.Bytes())
	}
}
