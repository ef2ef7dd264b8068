package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sealing and signing key derivation constants (MS-NLMP 3.4.5.2), used
// when NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY is in effect, which
// CredSSP always negotiates.
var (
	clientSealMagic = append([]byte("session key to client-to-server sealing key magic constant"), 0)
	serverSealMagic = append([]byte("session key to server-to-client sealing key magic constant"), 0)
	clientSignMagic = append([]byte("session key to client-to-server signing key magic constant"), 0)
	serverSignMagic = append([]byte("session key to server-to-client signing key magic constant"), 0)
)

func deriveKey(sessionBaseKey, magic []byte) []byte {
	h := md5.New()
	h.Write(sessionBaseKey)
	h.Write(magic)
	return h.Sum(nil)
}

// Sealer implements NTLMSSP message confidentiality and integrity
// (GSS_Wrap / GSS_GetMIC, MS-NLMP 3.4.3) for one direction of a CredSSP
// connection. Two Sealers are needed per side of a handshake: one built
// with the "client" keys for traffic the client sends, one with the
// "server" keys for traffic the acceptor sends back, mirroring how
// MS-NLMP derives distinct send/receive key pairs from the same session
// base key.
type Sealer struct {
	sealCipher *rc4.Cipher
	signKey    []byte
	seqNum     uint32
}

// NewClientSealer builds the Sealer a CredSSP initiator uses to
// protect the messages it sends to an acceptor.
func NewClientSealer(sessionBaseKey []byte) (*Sealer, error) {
	return newSealer(sessionBaseKey, clientSealMagic, clientSignMagic)
}

// NewServerSealer builds the Sealer a CredSSP acceptor uses to protect
// the messages it sends to an initiator.
func NewServerSealer(sessionBaseKey []byte) (*Sealer, error) {
	return newSealer(sessionBaseKey, serverSealMagic, serverSignMagic)
}

func newSealer(sessionBaseKey, sealMagic, signMagic []byte) (*Sealer, error) {
	sealKey := deriveKey(sessionBaseKey, sealMagic)
	cipher, err := rc4.NewCipher(sealKey)
	if err != nil {
		return nil, fmt.Errorf("ntlm: init RC4 seal cipher: %w", err)
	}
	return &Sealer{
		sealCipher: cipher,
		signKey:    deriveKey(sessionBaseKey, signMagic),
	}, nil
}

// signatureLen is the fixed size of an NTLMSSP_MESSAGE_SIGNATURE
// (MS-NLMP 2.2.2.9).
const signatureLen = 16

// ErrBadSignature is returned by Unwrap when the decrypted checksum
// inside a message's signature does not match the message contents.
var ErrBadSignature = errors.New("ntlm: message signature verification failed")

// Wrap encrypts plaintext and returns the wire blob a GSS_WrapEx
// produces: the 16-byte NTLMSSP_MESSAGE_SIGNATURE followed by the
// sealed bytes. The data is run through the RC4 keystream before the
// checksum is, and the internal sequence number advances by one, as
// MS-NLMP 3.4.3 requires.
func (s *Sealer) Wrap(plaintext []byte) []byte {
	sealed := make([]byte, len(plaintext))
	s.sealCipher.XORKeyStream(sealed, plaintext)

	mac := hmac.New(md5.New, s.signKey)
	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], s.seqNum)
	mac.Write(seqBuf[:])
	mac.Write(plaintext)
	checksum := mac.Sum(nil)[:8]

	sealedChecksum := make([]byte, 8)
	s.sealCipher.XORKeyStream(sealedChecksum, checksum)

	out := make([]byte, signatureLen+len(sealed))
	binary.LittleEndian.PutUint32(out[0:4], 1) // version
	copy(out[4:12], sealedChecksum)
	binary.LittleEndian.PutUint32(out[12:16], s.seqNum)
	copy(out[signatureLen:], sealed)

	s.seqNum++
	return out
}

// Unwrap is Wrap's inverse: it splits blob (produced by the peer's
// matching Sealer) into signature and sealed data, decrypts the data,
// verifies the signature's checksum against it, and returns the
// plaintext. The RC4 keystream must advance over the data first and
// the sealed checksum second, mirroring the order the peer encrypted
// them in, or every subsequent message in this direction decrypts to
// garbage.
func (s *Sealer) Unwrap(blob []byte) ([]byte, error) {
	if len(blob) < signatureLen {
		return nil, fmt.Errorf("ntlm: sealed message shorter than its signature (%d bytes)", len(blob))
	}
	sig, sealed := blob[:signatureLen], blob[signatureLen:]

	plaintext := make([]byte, len(sealed))
	s.sealCipher.XORKeyStream(plaintext, sealed)

	checksum := make([]byte, 8)
	s.sealCipher.XORKeyStream(checksum, sig[4:12])

	mac := hmac.New(md5.New, s.signKey)
	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], s.seqNum)
	mac.Write(seqBuf[:])
	mac.Write(plaintext)
	expected := mac.Sum(nil)[:8]
	s.seqNum++

	if !hmac.Equal(checksum, expected) {
		return nil, ErrBadSignature
	}
	return plaintext, nil
}
