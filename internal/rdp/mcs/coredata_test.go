package mcs

import (
	"encoding/binary"
	"testing"

	"github.com/hoophq/rdp-tunnel/internal/rdp/nego"
)

// buildFakeConnectInitial produces a minimal byte blob that looks like
// a Connect-Initial payload with a CS_CORE block embedded at a
// non-zero offset, mandatory fields zeroed, and the optional fields up
// through serverSelectedProtocol present and currently zero.
func buildFakeConnectInitial(t *testing.T, initialProtocol uint32) []byte {
	t.Helper()
	dataLen := serverSelectedProtocolEnd
	block := make([]byte, 4+dataLen)
	block[0], block[1] = csCoreTag[0], csCoreTag[1]
	binary.LittleEndian.PutUint16(block[2:4], uint16(4+dataLen))
	fieldOffset := 4 + mandatoryFieldsLen + serverSelectedProtocolRelOffset
	binary.LittleEndian.PutUint32(block[fieldOffset:fieldOffset+4], initialProtocol)

	// surround it with unrelated BER/PER framing bytes so the scan has
	// to actually find the tag rather than assume offset zero.
	raw := append([]byte{0x7F, 0x65, 0x82, 0x01, 0x00}, block...)
	raw = append(raw, 0xDE, 0xAD, 0xBE, 0xEF)
	return raw
}

func TestPatchServerSelectedProtocolOverwritesInPlace(t *testing.T) {
	raw := buildFakeConnectInitial(t, uint32(nego.ProtocolRDP))
	patched, err := PatchServerSelectedProtocol(raw, nego.ProtocolHybridEx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patched) != len(raw) {
		t.Fatalf("patch must not change PDU length: got %d, want %d", len(patched), len(raw))
	}

	offset, dataLen, err := findClientCoreData(patched)
	if err != nil {
		t.Fatalf("unexpected error re-locating CS_CORE: %v", err)
	}
	if dataLen < serverSelectedProtocolEnd {
		t.Fatalf("expected field to remain present, dataLen=%d", dataLen)
	}
	fieldOffset := offset + 4 + mandatoryFieldsLen + serverSelectedProtocolRelOffset
	got := binary.LittleEndian.Uint32(patched[fieldOffset : fieldOffset+4])
	if nego.Protocol(got) != nego.ProtocolHybridEx {
		t.Fatalf("got protocol %v, want %v", nego.Protocol(got), nego.ProtocolHybridEx)
	}
}

func TestPatchServerSelectedProtocolLeavesOriginalUntouched(t *testing.T) {
	raw := buildFakeConnectInitial(t, uint32(nego.ProtocolRDP))
	original := append([]byte(nil), raw...)
	if _, err := PatchServerSelectedProtocol(raw, nego.ProtocolHybridEx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range raw {
		if raw[i] != original[i] {
			t.Fatal("PatchServerSelectedProtocol must not mutate its input")
		}
	}
}

func TestPatchServerSelectedProtocolMissingField(t *testing.T) {
	block := make([]byte, 4+mandatoryFieldsLen)
	block[0], block[1] = csCoreTag[0], csCoreTag[1]
	binary.LittleEndian.PutUint16(block[2:4], uint16(len(block)))

	if _, err := PatchServerSelectedProtocol(block, nego.ProtocolHybridEx); err != ErrFieldNotPresent {
		t.Fatalf("expected ErrFieldNotPresent, got %v", err)
	}
}

func TestPatchServerSelectedProtocolNoCoreData(t *testing.T) {
	if _, err := PatchServerSelectedProtocol([]byte{1, 2, 3, 4}, nego.ProtocolRDP); err == nil {
		t.Fatal("expected an error when no CS_CORE block is present")
	}
}
