package mcs

import (
	"encoding/binary"
	"testing"
)

func buildSCNetBlock(ioChannel uint16, otherChannels []uint16) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:2], ioChannel)
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(otherChannels)))
	for _, c := range otherChannels {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], c)
		data = append(data, b[:]...)
	}
	header := make([]byte, 4)
	header[0], header[1] = scNetTag[0], scNetTag[1]
	binary.LittleEndian.PutUint16(header[2:4], uint16(4+len(data)))
	return append(header, data...)
}

func TestLearnGlobalChannelIDFindsIoChannel(t *testing.T) {
	block := buildSCNetBlock(1004, []uint16{1005, 1006})
	// Surround with noise to confirm the scan isn't anchored at offset 0.
	raw := append([]byte{0xAA, 0xBB, 0xCC}, block...)

	id, ok := LearnGlobalChannelID(raw)
	if !ok {
		t.Fatal("expected SC_NET block to be found")
	}
	if id != 1004 {
		t.Fatalf("got channel %d, want 1004", id)
	}
}

func TestLearnGlobalChannelIDMissingBlock(t *testing.T) {
	if _, ok := LearnGlobalChannelID([]byte{0x01, 0x02, 0x03}); ok {
		t.Fatal("expected no SC_NET block to be found in arbitrary bytes")
	}
}
