// Package clientinfo decodes, mutates, and re-encodes the TS_CLIENT_INFO
// PDU (MS-RDPBCGR 2.2.1.11) the proxy's plain-RDP fallback path
// substitutes credentials into, using the same fixed-layout field
// decoding idiom internal/rdp/x224 and internal/rdp/tpkt already use.
package clientinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Security header flags (MS-RDPBCGR 2.2.8.1.1.2.1, TS_SECURITY_HEADER).
const (
	secExchangePKT uint16 = 0x0001
	secEncrypt     uint16 = 0x0008
)

// DecodeSecurityHeader reads the 4-byte TS_SECURITY_HEADER flags field
// fixed-security RDP prefixes every data PDU with, returning the flags
// and the remaining bytes.
func DecodeSecurityHeader(b []byte) (flags uint16, rest []byte, err error) {
	if len(b) < 4 {
		return 0, nil, errors.New("clientinfo: truncated security header")
	}
	flags = binary.LittleEndian.Uint16(b[0:2])
	return flags, b[4:], nil
}

// IsEncrypted reports whether flags indicates Standard RDP Security
// encryption is in effect for the PDU the header precedes; if so, the
// ClientInfo payload cannot be rewritten in place.
func IsEncrypted(flags uint16) bool {
	return flags&secEncrypt != 0
}

// ClientInfo is the decoded form of TS_CLIENT_INFO.
type ClientInfo struct {
	CodePage       uint32
	Flags          uint32
	Domain         string
	UserName       string
	Password       string
	AlternateShell string
	WorkingDir     string
	// ExtraInfo holds whatever TS_EXTENDED_INFO_PACKET bytes follow the
	// mandatory fields (client address, timezone, performance flags,
	// ...). The proxy never needs to interpret these, only preserve
	// them across the rewrite.
	ExtraInfo []byte
}

func utf16leEncode(s string) []byte {
	u := utf16.Encode([]rune(s))
	buf := make([]byte, len(u)*2)
	for i, r := range u {
		binary.LittleEndian.PutUint16(buf[i*2:], r)
	}
	return buf
}

func utf16leDecode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// Decode parses a TS_CLIENT_INFO blob (the bytes immediately following
// the TS_SECURITY_HEADER DecodeSecurityHeader already stripped).
func Decode(b []byte) (ClientInfo, error) {
	const fixedLen = 4 + 4 + 2 + 2 + 2 + 2 + 2
	if len(b) < fixedLen {
		return ClientInfo{}, fmt.Errorf("clientinfo: truncated TS_CLIENT_INFO (%d bytes)", len(b))
	}

	ci := ClientInfo{
		CodePage: binary.LittleEndian.Uint32(b[0:4]),
		Flags:    binary.LittleEndian.Uint32(b[4:8]),
	}
	cbDomain := int(binary.LittleEndian.Uint16(b[8:10]))
	cbUserName := int(binary.LittleEndian.Uint16(b[10:12]))
	cbPassword := int(binary.LittleEndian.Uint16(b[12:14]))
	cbAlternateShell := int(binary.LittleEndian.Uint16(b[14:16]))
	cbWorkingDir := int(binary.LittleEndian.Uint16(b[16:18]))

	cursor := fixedLen
	readField := func(cb int) (string, error) {
		// cbX excludes the mandatory trailing UTF-16 null terminator.
		total := cb + 2
		if cursor+total > len(b) {
			return "", fmt.Errorf("clientinfo: field at offset %d (len %d) overruns TS_CLIENT_INFO", cursor, total)
		}
		s := utf16leDecode(b[cursor : cursor+cb])
		cursor += total
		return s, nil
	}

	var err error
	if ci.Domain, err = readField(cbDomain); err != nil {
		return ClientInfo{}, err
	}
	if ci.UserName, err = readField(cbUserName); err != nil {
		return ClientInfo{}, err
	}
	if ci.Password, err = readField(cbPassword); err != nil {
		return ClientInfo{}, err
	}
	if ci.AlternateShell, err = readField(cbAlternateShell); err != nil {
		return ClientInfo{}, err
	}
	if ci.WorkingDir, err = readField(cbWorkingDir); err != nil {
		return ClientInfo{}, err
	}

	ci.ExtraInfo = append([]byte(nil), b[cursor:]...)
	return ci, nil
}

// Encode serializes ci back into a TS_CLIENT_INFO blob, recomputing
// every cbX length field from the current string values.
func Encode(ci ClientInfo) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, ci.CodePage)
	binary.Write(&buf, binary.LittleEndian, ci.Flags)

	domain := utf16leEncode(ci.Domain)
	username := utf16leEncode(ci.UserName)
	password := utf16leEncode(ci.Password)
	shell := utf16leEncode(ci.AlternateShell)
	workingDir := utf16leEncode(ci.WorkingDir)

	binary.Write(&buf, binary.LittleEndian, uint16(len(domain)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(username)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(password)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(shell)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(workingDir)))

	writeField := func(field []byte) {
		buf.Write(field)
		buf.Write([]byte{0, 0})
	}
	writeField(domain)
	writeField(username)
	writeField(password)
	writeField(shell)
	writeField(workingDir)

	buf.Write(ci.ExtraInfo)
	return buf.Bytes()
}

// SetCredentials rewrites domain/username/password in place, leaving
// every other field (including ExtraInfo) untouched.
func (ci *ClientInfo) SetCredentials(domain, username, password string) {
	ci.Domain = domain
	ci.UserName = username
	ci.Password = password
}
