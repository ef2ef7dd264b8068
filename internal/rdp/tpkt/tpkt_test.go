package tpkt

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	payload := []byte("a fake x224 tpdu")
	var buf bytes.Buffer
	if err := WritePDU(&buf, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ReadPDU(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadPDURejectsWrongVersion(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x04, 0x00, 0x00, 0x04})
	if _, err := ReadPDU(buf); err == nil {
		t.Fatal("expected an error for a non-TPKT version byte")
	}
}

func TestReadPDURejectsShortLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{Version, 0x00, 0x00, 0x02})
	if _, err := ReadPDU(buf); err == nil {
		t.Fatal("expected an error when declared length is shorter than the header")
	}
}

func TestWritePDUHeaderFields(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDU(&buf, []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header := buf.Bytes()[:HeaderLen]
	if header[0] != Version {
		t.Fatalf("expected version byte %d, got %d", Version, header[0])
	}
	total := int(header[2])<<8 | int(header[3])
	if total != HeaderLen+3 {
		t.Fatalf("expected total length %d, got %d", HeaderLen+3, total)
	}
}
