// Package mcs patches the single field the RDP proxy core needs inside
// the MCS Connect-Initial PDU: the client's GCC core data
// "serverSelectedProtocol" field, which must be overwritten with the
// protocol the proxy actually negotiated with the real target before
// the PDU continues on to that target (MS-RDPBCGR 2.2.1.3.2).
//
// The Connect-Initial as a whole is a BER-wrapped T.125 structure with
// a PER-encoded GCC Conference Create Request as its user data;
// decoding the full structure only to change four bytes and re-encode
// it verbatim would be wasted work. The field this package touches has
// a fixed byte offset from a tag that's trivially findable by a byte
// scan, and patching it in place never changes the PDU's length, so
// every enclosing BER/PER length prefix stays valid untouched.
package mcs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hoophq/rdp-tunnel/internal/rdp/nego"
)

// csCoreTag is the little-endian TS_UD_HEADER.type value identifying a
// client core data block (CS_CORE, MS-RDPBCGR 2.2.1.3.2).
var csCoreTag = [2]byte{0x01, 0xC0}

// mandatoryFieldsLen is the size of TS_UD_CS_CORE's fixed mandatory
// fields (version through imeFileName), before any optional fields.
const mandatoryFieldsLen = 128

// serverSelectedProtocolRelOffset is serverSelectedProtocol's byte
// offset within the optional-fields region that follows the mandatory
// fields: postBeta2ColorDepth(2) + clientProductId(2) + serialNumber(4)
// + highColorDepth(2) + supportedColorDepths(2) + earlyCapabilityFlags(2)
// + clientDigProductId(64) + connectionType(1) + pad1(1) = 80.
const serverSelectedProtocolRelOffset = 80

// serverSelectedProtocolEnd is the minimum data length (excluding the
// 4-byte TS_UD_HEADER) that must be present for serverSelectedProtocol
// to be included in the block.
const serverSelectedProtocolEnd = mandatoryFieldsLen + serverSelectedProtocolRelOffset + 4

// ErrFieldNotPresent is returned when the client's CS_CORE block is too
// short to carry an optional serverSelectedProtocol field. Every modern
// RDP client (mstsc, xfreerdp) sends it; for a client that omits it the
// proxy's secure path fails the session with this error.
var ErrFieldNotPresent = errors.New("mcs: client core data has no serverSelectedProtocol field")

// PatchServerSelectedProtocol rewrites the serverSelectedProtocol field
// inside raw's embedded CS_CORE block to protocol, returning a new byte
// slice (raw is left untouched). raw is the full, still-BER/PER-encoded
// Connect-Initial PDU body exactly as received from the client.
func PatchServerSelectedProtocol(raw []byte, protocol nego.Protocol) ([]byte, error) {
	offset, dataLen, err := findClientCoreData(raw)
	if err != nil {
		return nil, err
	}
	if dataLen < serverSelectedProtocolEnd {
		return nil, ErrFieldNotPresent
	}

	patched := make([]byte, len(raw))
	copy(patched, raw)
	fieldOffset := offset + 4 + mandatoryFieldsLen + serverSelectedProtocolRelOffset
	binary.LittleEndian.PutUint32(patched[fieldOffset:fieldOffset+4], uint32(protocol))
	return patched, nil
}

// findClientCoreData scans raw for the CS_CORE TS_UD_HEADER and returns
// its start offset and the data length declared in the header (the
// header's length field counts itself, so dataLen excludes the 4 header
// bytes).
func findClientCoreData(raw []byte) (offset int, dataLen int, err error) {
	for i := 0; i+4 <= len(raw); i++ {
		if raw[i] != csCoreTag[0] || raw[i+1] != csCoreTag[1] {
			continue
		}
		declaredLen := int(binary.LittleEndian.Uint16(raw[i+2 : i+4]))
		if declaredLen < 4 {
			continue
		}
		available := declaredLen - 4
		if i+4+available > len(raw) {
			continue
		}
		if available < mandatoryFieldsLen {
			continue
		}
		return i, available, nil
	}
	return 0, 0, fmt.Errorf("mcs: no CS_CORE block found in connect-initial payload (%d bytes)", len(raw))
}
