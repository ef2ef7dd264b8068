// Package tlsstack builds the two process-wide TLS configurations the
// proxy core needs: an acceptor config presenting the proxy's own
// self-signed certificate (internal/certgen) to the real RDP client,
// and an upstream connector config used to open TLS to the real RDP
// server. Two choices are deliberate: TLS session resumption is
// disabled (MS-CSSP says CredSSP doesn't support it), and the upstream
// connector can be told to skip certificate verification, since the
// certificate most standalone RDP targets present is self-signed and
// the proxy may have no CA bundle to judge it against.
package tlsstack

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/hoophq/rdp-tunnel/internal/certgen"
)

// CertIssues is the set of problems found with a certificate that
// strict verification cares about.
type CertIssues uint8

const (
	IssueNotYetValid CertIssues = 1 << iota
	IssueExpired
	IssueMissingServerAuthEKU
	IssueMissingSAN
)

func (i CertIssues) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i&IssueNotYetValid != 0 {
		parts = append(parts, "not-yet-valid")
	}
	if i&IssueExpired != 0 {
		parts = append(parts, "expired")
	}
	if i&IssueMissingServerAuthEKU != 0 {
		parts = append(parts, "missing-server-auth-eku")
	}
	if i&IssueMissingSAN != 0 {
		parts = append(parts, "missing-san")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// CheckCertificate reports the CertIssues found in cert as of at.
func CheckCertificate(cert *x509.Certificate, at time.Time) CertIssues {
	var issues CertIssues
	if at.Before(cert.NotBefore) {
		issues |= IssueNotYetValid
	} else if at.After(cert.NotAfter) {
		issues |= IssueExpired
	}

	hasServerAuth := false
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
			break
		}
	}
	if !hasServerAuth {
		issues |= IssueMissingServerAuthEKU
	}
	if len(cert.DNSNames) == 0 && len(cert.IPAddresses) == 0 {
		issues |= IssueMissingSAN
	}
	return issues
}

// BuildAcceptorConfig builds the tls.Config the proxy's client-facing
// listener upgrades connections with, presenting kp. If strict is
// true (config.Tls.VerifyStrict) and the generated certificate is
// missing its SAN or server-auth EKU, it returns an error instead of a
// config that would silently fail modern RDP clients' own certificate
// checks later.
func BuildAcceptorConfig(kp *certgen.KeyPair, strict bool) (*tls.Config, error) {
	issues := CheckCertificate(kp.Leaf, time.Now())
	if strict && issues&(IssueMissingServerAuthEKU|IssueMissingSAN) != 0 {
		return nil, fmt.Errorf("tlsstack: certificate has significant issues (%s); set TlsVerifyStrict to false if this is intended", issues)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{kp.CertificateDER},
		PrivateKey:  kp.PrivateKey,
		Leaf:        kp.Leaf,
	}
	return &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}, nil
}

// UpstreamConnectorConfig builds the tls.Config used to dial the real
// RDP server. By default the target's certificate is verified against
// the OS trust store; insecureSkipVerify disables that for targets
// with self-signed certificates, which most standalone Windows hosts
// have. Skipping verification still leaves CredSSP's channel binding
// (internal/rdp/credssp) tying the two legs of the connection
// together. Session resumption stays disabled either way, since
// CredSSP forbids it.
func UpstreamConnectorConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		ClientSessionCache: nil,
		MinVersion:         tls.VersionTLS12,
	}
}
