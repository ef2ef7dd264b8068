// Package x224 implements the X.224 Connection Request/Confirm/Data
// TPDUs carried inside a TPKT packet (MS-RDPBCGR 2.2.1.1/2.2.1.2), the
// layer where RDP's security-protocol negotiation and the client's
// routing cookie live.
package x224

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hoophq/rdp-tunnel/internal/rdp/nego"
)

// MessageType is the TPDU code in byte offset 1 of every X.224 header.
type MessageType byte

const (
	MessageConnectionRequest MessageType = 0xE0
	MessageConnectionConfirm MessageType = 0xD0
	MessageDisconnectRequest MessageType = 0x80
	MessageData              MessageType = 0xF0
	MessageError             MessageType = 0x70
)

const (
	fixedHeaderLen  = 6 // code + 2x uint16 padding + 1 padding byte, counted by the length indicator
	negotiationLen  = 8
	dataHeaderLen   = 3
	dataHeaderField = 2 // the length-indicator value a Data TPDU always carries
)

// ConnectionRequest is the client-to-server X.224 Connection Request
// TPDU: an optional ASCII routing cookie (e.g. "Cookie: mstshash=user")
// followed by an optional RDP_NEG_REQ block.
type ConnectionRequest struct {
	Cookie             []byte
	NegotiationPresent bool
	// Flags is the RDP_NEG_REQ flags octet (e.g. restricted-admin or
	// redirected-auth mode requests); the proxy relays it upstream
	// unchanged.
	Flags             byte
	RequestedProtocol nego.Protocol
}

// Encode serializes the TPDU.
func (c ConnectionRequest) Encode() []byte {
	length := fixedHeaderLen
	if len(c.Cookie) > 0 {
		length += len(c.Cookie) + 2
	}
	if c.NegotiationPresent {
		length += negotiationLen
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(length))
	buf.WriteByte(byte(MessageConnectionRequest))
	writePadding(&buf)
	if len(c.Cookie) > 0 {
		buf.Write(c.Cookie)
		buf.WriteByte(0x0D)
		buf.WriteByte(0x0A)
	}
	if c.NegotiationPresent {
		writeNegotiationBlock(&buf, nego.TypeRequest, c.Flags, uint32(c.RequestedProtocol))
	}
	return buf.Bytes()
}

// DecodeConnectionRequest parses a ConnectionRequest TPDU.
func DecodeConnectionRequest(data []byte) (ConnectionRequest, error) {
	if len(data) < fixedHeaderLen+1 {
		return ConnectionRequest{}, fmt.Errorf("x224: connection request too short (%d bytes)", len(data))
	}
	length := int(data[0])
	if MessageType(data[1]) != MessageConnectionRequest {
		return ConnectionRequest{}, fmt.Errorf("x224: expected connection request code 0x%x, got 0x%x", MessageConnectionRequest, data[1])
	}
	if length < fixedHeaderLen {
		return ConnectionRequest{}, fmt.Errorf("x224: declared length %d shorter than fixed header", length)
	}
	variable := data[1+fixedHeaderLen:]
	varLen := length - fixedHeaderLen
	if varLen > len(variable) {
		varLen = len(variable)
	}
	variable = variable[:varLen]

	req := ConnectionRequest{}
	if len(variable) >= negotiationLen {
		tail := variable[len(variable)-negotiationLen:]
		if nego.Type(tail[0]) == nego.TypeRequest {
			req.NegotiationPresent = true
			req.Flags = tail[1]
			req.RequestedProtocol = nego.Protocol(binary.LittleEndian.Uint32(tail[4:8]))
			variable = variable[:len(variable)-negotiationLen]
		}
	}
	req.Cookie = trimCRLF(variable)
	return req, nil
}

// ConnectionConfirm is the server-to-client X.224 Connection Confirm
// TPDU carrying either an RDP_NEG_RSP (selected protocol) or an
// RDP_NEG_FAILURE (failure code).
type ConnectionConfirm struct {
	NegotiationPresent bool
	Type               nego.Type
	// Flags is the RDP_NEG_RSP flags octet; the proxy relays the
	// server's value back to the client unchanged.
	Flags            byte
	SelectedProtocol nego.Protocol
	FailureCode      nego.FailureCode
}

// Encode serializes the TPDU.
func (c ConnectionConfirm) Encode() []byte {
	length := fixedHeaderLen
	if c.NegotiationPresent {
		length += negotiationLen
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(length))
	buf.WriteByte(byte(MessageConnectionConfirm))
	writePadding(&buf)
	if c.NegotiationPresent {
		value := uint32(c.SelectedProtocol)
		if c.Type == nego.TypeFailure {
			value = uint32(c.FailureCode)
		}
		writeNegotiationBlock(&buf, c.Type, c.Flags, value)
	}
	return buf.Bytes()
}

// DecodeConnectionConfirm parses a ConnectionConfirm TPDU.
func DecodeConnectionConfirm(data []byte) (ConnectionConfirm, error) {
	if len(data) < fixedHeaderLen+1 {
		return ConnectionConfirm{}, fmt.Errorf("x224: connection confirm too short (%d bytes)", len(data))
	}
	length := int(data[0])
	if MessageType(data[1]) != MessageConnectionConfirm {
		return ConnectionConfirm{}, fmt.Errorf("x224: expected connection confirm code 0x%x, got 0x%x", MessageConnectionConfirm, data[1])
	}
	variable := data[1+fixedHeaderLen:]
	varLen := length - fixedHeaderLen
	if varLen < 0 {
		varLen = 0
	}
	if varLen > len(variable) {
		varLen = len(variable)
	}
	variable = variable[:varLen]

	cc := ConnectionConfirm{}
	if len(variable) >= negotiationLen {
		typ := nego.Type(variable[0])
		value := binary.LittleEndian.Uint32(variable[4:8])
		cc.NegotiationPresent = true
		cc.Type = typ
		cc.Flags = variable[1]
		if typ == nego.TypeFailure {
			cc.FailureCode = nego.FailureCode(value)
		} else {
			cc.SelectedProtocol = nego.Protocol(value)
		}
	}
	return cc, nil
}

// EncodeData wraps payload (the MCS/ISO data that follows) in the
// 3-byte X.224 Data TPDU header.
func EncodeData(payload []byte) []byte {
	out := make([]byte, dataHeaderLen+len(payload))
	out[0] = dataHeaderField
	out[1] = byte(MessageData)
	out[2] = 0x80
	copy(out[dataHeaderLen:], payload)
	return out
}

// DecodeData strips the X.224 Data TPDU header and returns the payload.
func DecodeData(data []byte) ([]byte, error) {
	if len(data) < dataHeaderLen {
		return nil, fmt.Errorf("x224: data TPDU too short (%d bytes)", len(data))
	}
	if MessageType(data[1]) != MessageData {
		return nil, fmt.Errorf("x224: expected data TPDU code 0x%x, got 0x%x", MessageData, data[1])
	}
	return data[dataHeaderLen:], nil
}

func writePadding(buf *bytes.Buffer) {
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(0)
}

func writeNegotiationBlock(buf *bytes.Buffer, typ nego.Type, flags byte, value uint32) {
	buf.WriteByte(byte(typ))
	buf.WriteByte(flags)
	var lenAndValue [6]byte
	binary.LittleEndian.PutUint16(lenAndValue[0:2], negotiationLen)
	binary.LittleEndian.PutUint32(lenAndValue[2:6], value)
	buf.Write(lenAndValue[:])
}

func trimCRLF(b []byte) []byte {
	if len(b) >= 2 && b[len(b)-2] == 0x0D && b[len(b)-1] == 0x0A {
		return b[:len(b)-2]
	}
	return b
}
