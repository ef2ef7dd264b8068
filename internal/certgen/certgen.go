// Package certgen generates the self-signed certificate the proxy's
// TLS acceptor presents to connecting RDP clients. One certificate is
// generated once per process and reused for every session
// (internal/tlsstack): regenerating it per connection would invalidate
// the SPKI that CredSSP channel binding was computed against.
//
// The key is RSA-2048: Windows RDP-side crypto only accepts 2048-bit
// RSA keys, and CredSSP/NLA clients are the same kind of RDP stack.
package certgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const rsaKeyBits = 2048

// Config holds what identity and validity
// window the generated certificate should carry.
type Config struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
	ValidFor    time.Duration
}

// DefaultConfig is the proxy's default certificate identity: CN
// "proxy.local", SAN covering localhost and the loopback addresses,
// valid for one year.
func DefaultConfig() Config {
	return Config{
		CommonName:  "proxy.local",
		DNSNames:    []string{"proxy.local", "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		ValidFor:    365 * 24 * time.Hour,
	}
}

// KeyPair is a generated self-signed certificate and its private key,
// ready to be wrapped in a tls.Certificate.
type KeyPair struct {
	CertificateDER []byte
	PrivateKey     *rsa.PrivateKey
	Leaf           *x509.Certificate
}

// Generate produces a fresh self-signed RSA-2048 certificate per cfg.
func Generate(cfg Config) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("certgen: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certgen: generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cfg.CommonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(cfg.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              cfg.DNSNames,
		IPAddresses:           cfg.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certgen: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certgen: parse generated certificate: %w", err)
	}

	return &KeyPair{CertificateDER: der, PrivateKey: key, Leaf: leaf}, nil
}

// SPKI returns the DER-encoded SubjectPublicKeyInfo of the generated
// leaf certificate: the value CredSSP's channel binding step seals
// and compares, per MS-CSSP 3.1.5.1.
func (kp *KeyPair) SPKI() []byte {
	return kp.Leaf.RawSubjectPublicKeyInfo
}
