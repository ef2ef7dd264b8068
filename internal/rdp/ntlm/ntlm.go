// Package ntlm implements enough of NTLMSSP (MS-NLMP) to drive both
// sides of CredSSP's SPNEGO exchange. As acceptor: parsing a client's
// NEGOTIATE_MESSAGE, producing a CHALLENGE_MESSAGE, and deriving the
// NTLMv2 session key from the client's AUTHENTICATE_MESSAGE and a known
// password, without checking the client's proof. As initiator: building
// the NEGOTIATE and AUTHENTICATE messages toward a server.
//
// Only the message fields and key derivations CredSSP actually
// exercises are implemented, written directly against MS-NLMP using
// golang.org/x/crypto/md4 for NTOWFv2 and stdlib crypto/{hmac,md5,rc4}
// for the rest.
package ntlm

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

var signature = [8]byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

// MessageType identifies which of the three NTLMSSP messages a blob is.
type MessageType uint32

const (
	TypeNegotiate    MessageType = 1
	TypeChallenge    MessageType = 2
	TypeAuthenticate MessageType = 3
)

// Negotiate flags this implementation sets or recognizes (MS-NLMP 2.2.2.5).
// Only the subset CredSSP actually exercises is named; unrecognized bits
// received from a client are preserved in NegotiateMessage.Flags but
// otherwise ignored.
const (
	flagUnicode          uint32 = 1 << 0
	flagSign             uint32 = 1 << 4
	flagSeal             uint32 = 1 << 5
	flagNTLM             uint32 = 1 << 9
	flagAlwaysSign       uint32 = 1 << 15
	flagTargetTypeServer uint32 = 1 << 16
	flagExtendedSecurity uint32 = 1 << 19
	flagTargetInfo       uint32 = 1 << 23
	flagVersion          uint32 = 1 << 25
	flag128bit           uint32 = 1 << 29
	flagKeyExchange      uint32 = 1 << 30
	flag56bit            uint32 = 1 << 31
)

// ServerChallengeFlags are the flags the proxy's acceptor advertises in
// its CHALLENGE_MESSAGE: unicode, NTLM, extended session security,
// target info, and a target type of "server" naming the proxy itself.
const ServerChallengeFlags = flagUnicode | flagNTLM | flagAlwaysSign |
	flagTargetTypeServer | flagExtendedSecurity | flagTargetInfo |
	flag128bit | flagKeyExchange | flag56bit

var ErrNotNTLM = errors.New("ntlm: message does not carry the NTLMSSP signature")

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	buf := make([]byte, len(u)*2)
	for i, r := range u {
		binary.LittleEndian.PutUint16(buf[i*2:], r)
	}
	return buf
}

func readFieldBounds(b []byte, off int) (length int, maxLen int, bufOffset int, err error) {
	if off+8 > len(b) {
		return 0, 0, 0, fmt.Errorf("ntlm: truncated field descriptor at offset %d", off)
	}
	length = int(binary.LittleEndian.Uint16(b[off:]))
	maxLen = int(binary.LittleEndian.Uint16(b[off+2:]))
	bufOffset = int(binary.LittleEndian.Uint32(b[off+4:]))
	return length, maxLen, bufOffset, nil
}

func checkSignature(b []byte) error {
	if len(b) < 12 || !bytes.Equal(b[:8], signature[:]) {
		return ErrNotNTLM
	}
	return nil
}

// NegotiateMessage is the client's initial NTLMSSP message (type 1).
// The proxy only needs to confirm it is NTLM; the fields it carries
// don't otherwise drive the rest of the exchange.
type NegotiateMessage struct {
	Flags uint32
}

// ClientNegotiateFlags are the flags an initiator advertises in its
// NEGOTIATE_MESSAGE toward a CredSSP acceptor.
const ClientNegotiateFlags = flagUnicode | flagNTLM | flagExtendedSecurity

// MarshalNegotiate encodes a minimal NEGOTIATE_MESSAGE with no domain
// or workstation name supplied (CredSSP doesn't require either).
func MarshalNegotiate(flags uint32) []byte {
	buf := make([]byte, 32)
	copy(buf[0:8], signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(TypeNegotiate))
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	return buf
}

func ParseNegotiateMessage(b []byte) (NegotiateMessage, error) {
	if err := checkSignature(b); err != nil {
		return NegotiateMessage{}, err
	}
	if MessageType(binary.LittleEndian.Uint32(b[8:12])) != TypeNegotiate {
		return NegotiateMessage{}, fmt.Errorf("ntlm: expected NEGOTIATE_MESSAGE, got type field %d", binary.LittleEndian.Uint32(b[8:12]))
	}
	var flags uint32
	if len(b) >= 16 {
		flags = binary.LittleEndian.Uint32(b[12:16])
	}
	return NegotiateMessage{Flags: flags}, nil
}

// AV_PAIR IDs used when building TargetInfo (MS-NLMP 2.2.2.1).
const (
	avEOL           uint16 = 0x0000
	avNbComputer    uint16 = 0x0001
	avNbDomain      uint16 = 0x0002
	avDnsComputer   uint16 = 0x0003
	avDnsDomain     uint16 = 0x0004
	avTimestamp     uint16 = 0x0007
)

// buildTargetInfo constructs the AV_PAIR sequence advertised in the
// challenge and echoed back inside the client's NTLMv2 response. server
// is the name the proxy presents as itself (its acceptor identity).
func buildTargetInfo(server string, timestamp time.Time) []byte {
	var buf bytes.Buffer
	writeAV := func(id uint16, value []byte) {
		binary.Write(&buf, binary.LittleEndian, id)
		binary.Write(&buf, binary.LittleEndian, uint16(len(value)))
		buf.Write(value)
	}
	nameBytes := utf16le(server)
	writeAV(avNbComputer, nameBytes)
	writeAV(avNbDomain, utf16le(""))
	writeAV(avDnsComputer, nameBytes)
	writeAV(avDnsDomain, utf16le(""))
	writeAV(avTimestamp, filetimeBytes(timestamp))
	binary.Write(&buf, binary.LittleEndian, avEOL)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	return buf.Bytes()
}

func filetimeBytes(t time.Time) []byte {
	const epochDiff = 116444736000000000 // 100ns ticks between 1601 and 1970
	ticks := uint64(t.UnixNano()/100) + epochDiff
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ticks)
	return b
}

// ChallengeMessage is the acceptor's type-2 NTLMSSP message.
type ChallengeMessage struct {
	ServerChallenge [8]byte
	TargetName      string
	TargetInfo      []byte
	Flags           uint32
}

// NewChallenge builds a CHALLENGE_MESSAGE naming server as the target,
// embedding a fresh random server challenge and a TargetInfo AV_PAIR
// sequence timestamped at now.
func NewChallenge(server string, now time.Time) (ChallengeMessage, error) {
	var challenge [8]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return ChallengeMessage{}, fmt.Errorf("ntlm: generate server challenge: %w", err)
	}
	return ChallengeMessage{
		ServerChallenge: challenge,
		TargetName:      server,
		TargetInfo:      buildTargetInfo(server, now),
		Flags:           ServerChallengeFlags,
	}, nil
}

// Marshal encodes c into a wire-format CHALLENGE_MESSAGE.
func (c ChallengeMessage) Marshal() []byte {
	target := utf16le(c.TargetName)
	const headerLen = 48
	targetOff := headerLen
	infoOff := targetOff + len(target)

	buf := make([]byte, infoOff+len(c.TargetInfo))
	copy(buf[0:8], signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(TypeChallenge))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(target)))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(len(target)))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(targetOff))
	binary.LittleEndian.PutUint32(buf[20:24], c.Flags)
	copy(buf[24:32], c.ServerChallenge[:])
	// bytes 32:40 reserved, left zero
	binary.LittleEndian.PutUint16(buf[40:42], uint16(len(c.TargetInfo)))
	binary.LittleEndian.PutUint16(buf[42:44], uint16(len(c.TargetInfo)))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(infoOff))
	copy(buf[targetOff:], target)
	copy(buf[infoOff:], c.TargetInfo)
	return buf
}

// ParseChallengeMessage decodes a CHALLENGE_MESSAGE received from a
// CredSSP acceptor, extracting the two fields an initiator needs to
// compute its NTLMv2 response: the server challenge and TargetInfo.
func ParseChallengeMessage(b []byte) (ChallengeMessage, error) {
	if err := checkSignature(b); err != nil {
		return ChallengeMessage{}, err
	}
	if len(b) < 48 {
		return ChallengeMessage{}, errors.New("ntlm: CHALLENGE_MESSAGE too short")
	}
	if MessageType(binary.LittleEndian.Uint32(b[8:12])) != TypeChallenge {
		return ChallengeMessage{}, errors.New("ntlm: expected CHALLENGE_MESSAGE")
	}
	var c ChallengeMessage
	copy(c.ServerChallenge[:], b[24:32])
	c.Flags = binary.LittleEndian.Uint32(b[20:24])

	infoLen, _, infoOff, err := readFieldBounds(b, 40)
	if err != nil {
		return ChallengeMessage{}, err
	}
	if infoLen > 0 {
		if infoOff+infoLen > len(b) {
			return ChallengeMessage{}, errors.New("ntlm: TargetInfo field out of bounds")
		}
		c.TargetInfo = b[infoOff : infoOff+infoLen]
	}
	return c, nil
}

// AuthenticateMessage is the client's type-3 NTLMSSP message.
type AuthenticateMessage struct {
	NTChallengeResponse []byte
	DomainName          string
	UserName            string
	Workstation         string
	EncryptedSessionKey []byte
	Flags               uint32
}

// ParseAuthenticateMessage decodes b into an AuthenticateMessage. Only
// the NTLMv2 response field and identity fields are extracted; the LM
// response field is ignored since a compliant NTLMv2 client leaves it
// as padding.
func ParseAuthenticateMessage(b []byte) (AuthenticateMessage, error) {
	if err := checkSignature(b); err != nil {
		return AuthenticateMessage{}, err
	}
	if len(b) < 12 || MessageType(binary.LittleEndian.Uint32(b[8:12])) != TypeAuthenticate {
		return AuthenticateMessage{}, errors.New("ntlm: expected AUTHENTICATE_MESSAGE")
	}

	readField := func(descriptorOff int) ([]byte, error) {
		length, _, bufOff, err := readFieldBounds(b, descriptorOff)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, nil
		}
		if bufOff+length > len(b) {
			return nil, fmt.Errorf("ntlm: field at descriptor %d overruns message (offset %d len %d, total %d)", descriptorOff, bufOff, length, len(b))
		}
		return b[bufOff : bufOff+length], nil
	}

	ntResponse, err := readField(20)
	if err != nil {
		return AuthenticateMessage{}, err
	}
	domainRaw, err := readField(28)
	if err != nil {
		return AuthenticateMessage{}, err
	}
	userRaw, err := readField(36)
	if err != nil {
		return AuthenticateMessage{}, err
	}
	workstationRaw, err := readField(44)
	if err != nil {
		return AuthenticateMessage{}, err
	}
	sessionKeyRaw, err := readField(52)
	if err != nil {
		return AuthenticateMessage{}, err
	}

	var flags uint32
	if len(b) >= 64 {
		flags = binary.LittleEndian.Uint32(b[60:64])
	}

	return AuthenticateMessage{
		NTChallengeResponse: ntResponse,
		DomainName:          utf16Decode(domainRaw),
		UserName:            utf16Decode(userRaw),
		Workstation:         utf16Decode(workstationRaw),
		EncryptedSessionKey: sessionKeyRaw,
		Flags:               flags,
	}, nil
}

func utf16Decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// NTOWFv2 computes the NTLMv2 key derivation: HMAC-MD5 of
// uppercase(user)+domain, keyed by MD4(UTF-16LE(password)).
func NTOWFv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(utf16le(password))
	ntHash := h.Sum(nil)

	mac := hmac.New(md5.New, ntHash)
	mac.Write(utf16le(strings.ToUpper(user) + domain))
	return mac.Sum(nil)
}

// DeriveSessionKey derives the NTLMv2 session base key for resp against
// challenge, the server challenge the acceptor sent in its
// CHALLENGE_MESSAGE, keyed on password. It does not check resp's
// NTProofStr against password: the proxy's acceptor role is not
// interested in verifying the client's credentials, any syntactically
// well-formed NTLMv2 response is accepted regardless of what the client
// actually authenticated with, so this only validates that resp is
// shaped like an NTLMv2 response before deriving key material from it.
func DeriveSessionKey(resp AuthenticateMessage, challenge [8]byte, password string) ([]byte, error) {
	if len(resp.NTChallengeResponse) < 16 {
		return nil, errors.New("ntlm: NTChallengeResponse too short to be NTLMv2")
	}
	blob := resp.NTChallengeResponse[16:]

	v2Hash := NTOWFv2(password, resp.UserName, resp.DomainName)

	mac := hmac.New(md5.New, v2Hash)
	mac.Write(challenge[:])
	mac.Write(blob)
	expected := mac.Sum(nil)

	sessionBaseMAC := hmac.New(md5.New, v2Hash)
	sessionBaseMAC.Write(expected)
	return sessionBaseMAC.Sum(nil), nil
}

// ClientResponse holds the values an NTLMv2 initiator (the agent acting
// toward the target RDP server) must compute to build its own
// AUTHENTICATE_MESSAGE.
type ClientResponse struct {
	NTChallengeResponse []byte
	SessionBaseKey       []byte
}

// ComputeClientResponse builds the NTLMv2 response an initiator sends
// back to a server's CHALLENGE_MESSAGE, given the credentials to
// authenticate with and the server's advertised TargetInfo.
func ComputeClientResponse(username, password, domain string, serverChallenge [8]byte, targetInfo []byte, now time.Time) (ClientResponse, error) {
	v2Hash := NTOWFv2(password, username, domain)

	var clientChallenge [8]byte
	if _, err := rand.Read(clientChallenge[:]); err != nil {
		return ClientResponse{}, fmt.Errorf("ntlm: generate client challenge: %w", err)
	}

	var blob bytes.Buffer
	blob.Write([]byte{0x01, 0x01, 0x00, 0x00}) // resp type + max version, MS-NLMP 2.2.2.7
	blob.Write([]byte{0x00, 0x00, 0x00, 0x00}) // reserved1
	blob.Write(filetimeBytes(now))
	blob.Write(clientChallenge[:])
	blob.Write([]byte{0x00, 0x00, 0x00, 0x00}) // reserved2
	blob.Write(targetInfo)
	blob.Write([]byte{0x00, 0x00, 0x00, 0x00}) // reserved3 (trailing, after target info + EOL)

	mac := hmac.New(md5.New, v2Hash)
	mac.Write(serverChallenge[:])
	mac.Write(blob.Bytes())
	ntProofStr := mac.Sum(nil)

	ntResponse := append(append([]byte(nil), ntProofStr...), blob.Bytes()...)

	sessionBaseMAC := hmac.New(md5.New, v2Hash)
	sessionBaseMAC.Write(ntProofStr)

	return ClientResponse{
		NTChallengeResponse: ntResponse,
		SessionBaseKey:      sessionBaseMAC.Sum(nil),
	}, nil
}

// MarshalAuthenticate encodes an AUTHENTICATE_MESSAGE carrying
// ntResponse for the given identity, with no LM response
// (NTLMv2-only, per MS-NLMP's allowance for an empty LmChallengeResponse
// when extended session security is negotiated).
func MarshalAuthenticate(username, domain, workstation string, ntResponse []byte, flags uint32) []byte {
	const headerLen = 64
	lm := []byte{}
	domainB := utf16le(domain)
	userB := utf16le(username)
	wsB := utf16le(workstation)
	sessionKeyB := []byte{}

	fields := [][]byte{lm, ntResponse, domainB, userB, wsB, sessionKeyB}
	offsets := make([]int, len(fields))
	cursor := headerLen
	for i, f := range fields {
		offsets[i] = cursor
		cursor += len(f)
	}

	buf := make([]byte, cursor)
	copy(buf[0:8], signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(TypeAuthenticate))

	putField := func(descriptorOff, idx int) {
		length := len(fields[idx])
		binary.LittleEndian.PutUint16(buf[descriptorOff:], uint16(length))
		binary.LittleEndian.PutUint16(buf[descriptorOff+2:], uint16(length))
		binary.LittleEndian.PutUint32(buf[descriptorOff+4:], uint32(offsets[idx]))
		copy(buf[offsets[idx]:], fields[idx])
	}
	putField(12, 0) // LmChallengeResponse
	putField(20, 1) // NtChallengeResponse
	putField(28, 2) // DomainName
	putField(36, 3) // UserName
	putField(44, 4) // Workstation
	putField(52, 5) // EncryptedRandomSessionKey
	binary.LittleEndian.PutUint32(buf[60:64], flags)
	return buf
}
