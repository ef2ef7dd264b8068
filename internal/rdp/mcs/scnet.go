package mcs

import "encoding/binary"

// scNetTag is the little-endian TS_UD_HEADER.type value identifying the
// server network data block (SC_NET, MS-RDPBCGR 2.2.1.4.3) inside a GCC
// Conference Create Response.
var scNetTag = [2]byte{0x03, 0x0C}

// LearnGlobalChannelID scans a server ConnectResponse payload for its
// SC_NET block and returns the ioChannel field — the MCS channel id
// the server assigned to the global (I/O) channel for this session.
// ok is false if no SC_NET block is found, in which case callers fall
// back to DefaultGlobalChannelID.
func LearnGlobalChannelID(raw []byte) (channelID uint16, ok bool) {
	for i := 0; i+8 <= len(raw); i++ {
		if raw[i] != scNetTag[0] || raw[i+1] != scNetTag[1] {
			continue
		}
		declaredLen := int(binary.LittleEndian.Uint16(raw[i+2 : i+4]))
		if declaredLen < 4 {
			continue
		}
		available := declaredLen - 4
		if available < 2 || i+4+available > len(raw) {
			continue
		}
		return binary.LittleEndian.Uint16(raw[i+4 : i+6]), true
	}
	return 0, false
}
