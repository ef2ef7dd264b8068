// Package credssp implements the CredSSP (MS-CSSP) exchange the proxy
// core runs twice per connection: once as the acceptor facing the real
// RDP client, once as the initiator facing the real RDP server. Each
// side drives an SPNEGO-wrapped NTLM handshake (internal/rdp/ntlm)
// followed by a TLS-bound public key exchange. The initiator side then
// sends the proxy's own stored credentials to the server; the acceptor
// side receives the client's credentials and discards them.
//
// TSRequest is hand-rolled over encoding/asn1 (explicit context tags
// driven by struct field tags); the structure is small and stable
// enough (MS-CSSP 2.2.1) that a dedicated codec dependency would be
// more wiring than the message itself.
package credssp

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

// tsRequest mirrors MS-CSSP 2.2.1's TSRequest SEQUENCE. version is
// always present; everything else is exchanged incrementally across
// the handshake's several round trips.
type tsRequest struct {
	Version     int           `asn1:"explicit,tag:0"`
	NegoTokens  []tsNegoToken `asn1:"explicit,optional,tag:1"`
	AuthInfo    []byte        `asn1:"explicit,optional,tag:2"`
	PubKeyAuth  []byte        `asn1:"explicit,optional,tag:3"`
	ErrorCode   int           `asn1:"explicit,optional,tag:4,default:0"`
	ClientNonce []byte        `asn1:"explicit,optional,tag:5"`
}

// tsNegoToken is MS-CSSP 2.2.1.1's NegoData element: a SEQUENCE
// carrying a single tagged OCTET STRING.
type tsNegoToken struct {
	NegoToken []byte `asn1:"explicit,tag:0"`
}

// protocolVersion is the TSRequest.version value this implementation
// advertises. Both sides use min(client, server), so advertising 2
// pins every conversation to the pre-v5 public-key confirmation
// scheme (raw SPKI, first octet incremented on the reply) that this
// package implements; versions 5+ would switch the peer to the
// nonce-hash scheme instead (MS-CSSP 3.1.5).
const protocolVersion = 2

func encodeTSRequest(negoToken, authInfo, pubKeyAuth, clientNonce []byte) ([]byte, error) {
	req := tsRequest{Version: protocolVersion}
	if negoToken != nil {
		req.NegoTokens = []tsNegoToken{{NegoToken: negoToken}}
	}
	req.AuthInfo = authInfo
	req.PubKeyAuth = pubKeyAuth
	req.ClientNonce = clientNonce
	return asn1.Marshal(req)
}

func decodeTSRequest(b []byte) (negoToken, authInfo, pubKeyAuth, clientNonce []byte, err error) {
	var req tsRequest
	rest, err := asn1.Unmarshal(b, &req)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("credssp: decode TSRequest: %w", err)
	}
	if len(rest) != 0 {
		return nil, nil, nil, nil, errors.New("credssp: trailing bytes after TSRequest")
	}
	if len(req.NegoTokens) > 0 {
		negoToken = req.NegoTokens[0].NegoToken
	}
	return negoToken, req.AuthInfo, req.PubKeyAuth, req.ClientNonce, nil
}

// tsCredentials mirrors MS-CSSP 2.2.1.2's TSCredentials, carrying the
// client's real credentials encrypted under the CredSSP session key
// once the public-key phase has completed.
type tsCredentials struct {
	CredType    int    `asn1:"explicit,tag:0"`
	Credentials []byte `asn1:"explicit,tag:1"`
}

// tsPasswordCreds mirrors MS-CSSP 2.2.1.2.1's TSPasswordCreds.
type tsPasswordCreds struct {
	DomainName []byte `asn1:"explicit,tag:0"`
	UserName   []byte `asn1:"explicit,tag:1"`
	Password   []byte `asn1:"explicit,tag:2"`
}

const credTypePassword = 1

func encodeTSCredentials(domain, user, password string) ([]byte, error) {
	inner, err := asn1.Marshal(tsPasswordCreds{
		DomainName: []byte(domain),
		UserName:   []byte(user),
		Password:   []byte(password),
	})
	if err != nil {
		return nil, fmt.Errorf("credssp: encode TSPasswordCreds: %w", err)
	}
	return asn1.Marshal(tsCredentials{CredType: credTypePassword, Credentials: inner})
}

func decodeTSCredentials(b []byte) (domain, user, password string, err error) {
	var creds tsCredentials
	if _, err := asn1.Unmarshal(b, &creds); err != nil {
		return "", "", "", fmt.Errorf("credssp: decode TSCredentials: %w", err)
	}
	var pw tsPasswordCreds
	if _, err := asn1.Unmarshal(creds.Credentials, &pw); err != nil {
		return "", "", "", fmt.Errorf("credssp: decode TSPasswordCreds: %w", err)
	}
	return string(pw.DomainName), string(pw.UserName), string(pw.Password), nil
}
