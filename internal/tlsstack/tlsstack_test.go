package tlsstack

import (
	"bytes"
	"crypto/x509"
	"testing"
	"time"

	"github.com/hoophq/rdp-tunnel/internal/certgen"
)

func TestCheckCertificateCleanForFreshCert(t *testing.T) {
	kp, err := certgen.Generate(certgen.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := CheckCertificate(kp.Leaf, time.Now())
	if issues != 0 {
		t.Fatalf("expected no issues on a freshly generated cert, got %s", issues)
	}
}

func TestCheckCertificateDetectsExpiry(t *testing.T) {
	kp, err := certgen.Generate(certgen.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := CheckCertificate(kp.Leaf, kp.Leaf.NotAfter.Add(time.Hour))
	if issues&IssueExpired == 0 {
		t.Fatalf("expected IssueExpired, got %s", issues)
	}
}

func TestBuildAcceptorConfigStrictRejectsBareCert(t *testing.T) {
	kp, err := certgen.Generate(certgen.Config{CommonName: "bare", ValidFor: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := BuildAcceptorConfig(kp, true); err == nil {
		t.Fatal("expected strict mode to reject a certificate with no SAN")
	}
	if _, err := BuildAcceptorConfig(kp, false); err != nil {
		t.Fatalf("non-strict mode should accept the same certificate: %v", err)
	}
}

func TestUpstreamConnectorConfigNeverResumesSessions(t *testing.T) {
	for _, insecure := range []bool{false, true} {
		cfg := UpstreamConnectorConfig("10.0.0.5", insecure)
		if cfg.ClientSessionCache != nil {
			t.Fatalf("insecure=%v: session resumption must stay disabled", insecure)
		}
		if cfg.ServerName != "10.0.0.5" {
			t.Fatalf("got SNI %q, want the target host", cfg.ServerName)
		}
		if cfg.InsecureSkipVerify != insecure {
			t.Fatalf("got InsecureSkipVerify=%v, want %v", cfg.InsecureSkipVerify, insecure)
		}
	}
}

func TestAcceptorPresentsTheCertWhoseSPKIBindsCredSSP(t *testing.T) {
	kp, err := certgen.Generate(certgen.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := BuildAcceptorConfig(kp, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse presented certificate: %v", err)
	}
	if !bytes.Equal(leaf.RawSubjectPublicKeyInfo, kp.SPKI()) {
		t.Fatal("the SPKI handed to CredSSP must match the certificate the acceptor presents")
	}
	if !cfg.SessionTicketsDisabled {
		t.Fatal("acceptor must not issue session tickets")
	}
}

func TestBuildAcceptorConfigAcceptsDefaultConfig(t *testing.T) {
	kp, err := certgen.Generate(certgen.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := BuildAcceptorConfig(kp, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
}
