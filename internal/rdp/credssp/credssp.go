package credssp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hoophq/rdp-tunnel/internal/rdp/ntlm"
)

// Early User Authorization Result values (MS-RDPBCGR 2.2.10.2), sent by
// the acceptor once CredSSP completes when the client negotiated
// HYBRID_EX.
const (
	EarlyAuthSuccess      uint32 = 0
	EarlyAuthAccessDenied uint32 = 5
)

// WriteEarlyUserAuthResult sends the 4-byte EarlyUserAuthResult PDU a
// HYBRID_EX acceptor owes the client immediately after the CredSSP
// exchange concludes: success if everything up to and including the
// initiator leg succeeded, EarlyAuthAccessDenied otherwise.
func WriteEarlyUserAuthResult(w io.Writer, success bool) error {
	result := EarlyAuthAccessDenied
	if success {
		result = EarlyAuthSuccess
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], result)
	_, err := w.Write(buf[:])
	return err
}

// Identity is the username/password/domain triple exchanged over
// CredSSP. On the acceptor side it is the credential the proxy expects
// the connecting client to authenticate with; on the initiator side it
// is what the proxy itself presents to the real RDP server.
type Identity struct {
	Domain   string
	Username string
	Password string
}

var (
	// ErrAuthenticationFailed is returned by RunAcceptor when the
	// client's AUTHENTICATE message is too malformed to derive a
	// session key from at all. It is never returned for a mismatched
	// password: the acceptor does not check the client's NTLMv2 proof,
	// and a mismatched password surfaces later as an unseal error.
	ErrAuthenticationFailed = errors.New("credssp: client authentication malformed")
	// ErrChannelBindingMismatch is returned when a peer's public-key
	// confirmation does not match the TLS certificate observed on the
	// same connection, meaning something sits between the two TLS
	// endpoints this CredSSP exchange is meant to bind together.
	ErrChannelBindingMismatch = errors.New("credssp: public key confirmation mismatch")
)

func incrementFirstByte(b []byte) []byte {
	out := append([]byte(nil), b...)
	out[0]++
	return out
}

func writeTSRequest(w io.Writer, negoToken, authInfo, pubKeyAuth, clientNonce []byte) error {
	encoded, err := encodeTSRequest(negoToken, authInfo, pubKeyAuth, clientNonce)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

func readTSRequest(r *bufio.Reader) (negoToken, authInfo, pubKeyAuth, clientNonce []byte, err error) {
	raw, err := readDERElement(r)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return decodeTSRequest(raw)
}

// RunAcceptor drives the server (acceptor) role of CredSSP against a
// connected RDP client. The client's NTProofStr is not checked against
// any password: identity.Password only supplies the key material the
// acceptor derives its side of the session key from. That key matches
// the client's only when the client authenticated with the same
// password; otherwise unsealing the client's public-key confirmation
// fails and RunAcceptor returns that error (not ErrAuthenticationFailed).
// targetName is the name the proxy claims in the NTLM Challenge
// message's TargetName/TargetInfo fields — the client's own address,
// stringified, since the proxy has no real domain name to offer here.
// It returns
// nil once the client's encrypted TSCredentials have been received and
// discarded — they carry nothing the proxy needs, since the client's
// credentials are never checked against anything.
//
// r is a *bufio.Reader the caller keeps owning: CredSSP's TSRequest
// framing has no outer length delimiter of its own (see readDERElement),
// so reads must go through one shared buffered reader for the whole
// connection lifetime, or bytes belonging to the PDU that follows
// CredSSP (the MCS Connect-Initial) risk being stranded inside a
// reader this function throws away on return.
func RunAcceptor(r *bufio.Reader, w io.Writer, identity Identity, serverPublicKey []byte, targetName string) error {
	negoToken, _, _, _, err := readTSRequest(r)
	if err != nil {
		return fmt.Errorf("credssp acceptor: read negotiate: %w", err)
	}
	if _, err := ntlm.ParseNegotiateMessage(negoToken); err != nil {
		return fmt.Errorf("credssp acceptor: %w", err)
	}

	challenge, err := ntlm.NewChallenge(targetName, time.Now())
	if err != nil {
		return fmt.Errorf("credssp acceptor: %w", err)
	}
	if err := writeTSRequest(w, challenge.Marshal(), nil, nil, nil); err != nil {
		return fmt.Errorf("credssp acceptor: write challenge: %w", err)
	}

	authToken, _, clientPubKeyAuth, _, err := readTSRequest(r)
	if err != nil {
		return fmt.Errorf("credssp acceptor: read authenticate: %w", err)
	}
	authMsg, err := ntlm.ParseAuthenticateMessage(authToken)
	if err != nil {
		return fmt.Errorf("credssp acceptor: %w", err)
	}
	sessionBaseKey, err := ntlm.DeriveSessionKey(authMsg, challenge.ServerChallenge, identity.Password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	clientSealer, err := ntlm.NewClientSealer(sessionBaseKey)
	if err != nil {
		return fmt.Errorf("credssp acceptor: %w", err)
	}
	serverSealer, err := ntlm.NewServerSealer(sessionBaseKey)
	if err != nil {
		return fmt.Errorf("credssp acceptor: %w", err)
	}

	clientKey, err := clientSealer.Unwrap(clientPubKeyAuth)
	if err != nil {
		return fmt.Errorf("credssp acceptor: unseal public key confirmation: %w", err)
	}
	if !bytes.Equal(clientKey, serverPublicKey) {
		return ErrChannelBindingMismatch
	}

	confirmedKey := serverSealer.Wrap(incrementFirstByte(serverPublicKey))
	if err := writeTSRequest(w, nil, nil, confirmedKey, nil); err != nil {
		return fmt.Errorf("credssp acceptor: write public key confirmation: %w", err)
	}

	_, authInfo, _, _, err := readTSRequest(r)
	if err != nil {
		return fmt.Errorf("credssp acceptor: read credentials: %w", err)
	}
	if len(authInfo) > 0 {
		plain, err := clientSealer.Unwrap(authInfo)
		if err != nil {
			return fmt.Errorf("credssp acceptor: unseal client credentials: %w", err)
		}
		if _, _, _, err := decodeTSCredentials(plain); err != nil {
			return fmt.Errorf("credssp acceptor: decode client credentials: %w", err)
		}
	}
	return nil
}

// RunInitiator drives the client (initiator) role of CredSSP against
// the real RDP server: it authenticates as identity and, once the
// public-key exchange confirms serverPublicKey (the real server's TLS
// certificate SPKI, as observed by the proxy's own TLS connection to
// it), sends identity's credentials for the server to use. workstation
// is the client computer name carried in the Authenticate message; the
// real server never acts on it, only logs it.
//
// r is a *bufio.Reader the caller keeps owning, for the same reason
// documented on RunAcceptor.
func RunInitiator(r *bufio.Reader, w io.Writer, identity Identity, serverPublicKey []byte, workstation string) error {
	negotiate := ntlm.MarshalNegotiate(ntlm.ClientNegotiateFlags)
	if err := writeTSRequest(w, negotiate, nil, nil, nil); err != nil {
		return fmt.Errorf("credssp initiator: write negotiate: %w", err)
	}

	challengeToken, _, _, _, err := readTSRequest(r)
	if err != nil {
		return fmt.Errorf("credssp initiator: read challenge: %w", err)
	}
	challenge, err := ntlm.ParseChallengeMessage(challengeToken)
	if err != nil {
		return fmt.Errorf("credssp initiator: %w", err)
	}

	resp, err := ntlm.ComputeClientResponse(identity.Username, identity.Password, identity.Domain, challenge.ServerChallenge, challenge.TargetInfo, time.Now())
	if err != nil {
		return fmt.Errorf("credssp initiator: %w", err)
	}
	authToken := ntlm.MarshalAuthenticate(identity.Username, identity.Domain, workstation, resp.NTChallengeResponse, ntlm.ServerChallengeFlags)

	clientSealer, err := ntlm.NewClientSealer(resp.SessionBaseKey)
	if err != nil {
		return fmt.Errorf("credssp initiator: %w", err)
	}
	serverSealer, err := ntlm.NewServerSealer(resp.SessionBaseKey)
	if err != nil {
		return fmt.Errorf("credssp initiator: %w", err)
	}

	sealedPubKey := clientSealer.Wrap(serverPublicKey)
	if err := writeTSRequest(w, authToken, nil, sealedPubKey, nil); err != nil {
		return fmt.Errorf("credssp initiator: write authenticate: %w", err)
	}

	_, _, serverPubKeyAuth, _, err := readTSRequest(r)
	if err != nil {
		return fmt.Errorf("credssp initiator: read public key confirmation: %w", err)
	}
	confirmedKey, err := serverSealer.Unwrap(serverPubKeyAuth)
	if err != nil {
		return fmt.Errorf("credssp initiator: unseal public key confirmation: %w", err)
	}
	if !bytes.Equal(confirmedKey, incrementFirstByte(serverPublicKey)) {
		return ErrChannelBindingMismatch
	}

	credsPlain, err := encodeTSCredentials(identity.Domain, identity.Username, identity.Password)
	if err != nil {
		return fmt.Errorf("credssp initiator: %w", err)
	}
	sealedCreds := clientSealer.Wrap(credsPlain)
	if err := writeTSRequest(w, nil, sealedCreds, nil, nil); err != nil {
		return fmt.Errorf("credssp initiator: write credentials: %w", err)
	}
	return nil
}
