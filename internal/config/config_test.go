package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeGatewayURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://gw.example.com", "ws://gw.example.com/api/ws"},
		{"wss://gw.example.com/", "wss://gw.example.com/api/ws"},
		{"http://gw.example.com", "ws://gw.example.com/api/ws"},
		{"https://gw.example.com", "wss://gw.example.com/api/ws"},
		{"gw.example.com", "ws://gw.example.com/api/ws"},
		{"gw.example.com/", "ws://gw.example.com/api/ws"},
	}
	for _, tc := range cases {
		if got := NormalizeGatewayURL(tc.in); got != tc.want {
			t.Errorf("NormalizeGatewayURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGatewayURLMissing(t *testing.T) {
	os.Unsetenv("HOOP_GATEWAY_URL")
	if _, ok := GatewayURL(); ok {
		t.Fatal("expected ok=false when HOOP_GATEWAY_URL is unset")
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	f, err := LoadFile(filepath.Join(dir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
	if f != nil {
		t.Fatal("expected nil File for a missing config file")
	}
}

func TestLoadFileParsesPascalCaseSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	const body = `{
		"Hostname": "gateway.hoop",
		"Token": "abc123",
		"TlsCertificateSource": "External",
		"TlsCertificateFile": "/etc/hoop/cert.pem",
		"TlsPrivateKeyFile": "/etc/hoop/key.pem",
		"TlsVerifyStrict": true
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f == nil {
		t.Fatal("expected a parsed File")
	}
	if f.Hostname != "gateway.hoop" || f.Token != "abc123" {
		t.Fatalf("unexpected parse result: %+v", f)
	}
	if f.TlsCertificateSource != External {
		t.Fatalf("expected TlsCertificateSource External, got %q", f.TlsCertificateSource)
	}
	if !f.TlsVerifyStrict {
		t.Fatal("expected TlsVerifyStrict true")
	}
}

func TestInitDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	c, err := Init(filepath.Join(dir, "gateway.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Hostname != "localhost" {
		t.Fatalf("expected default hostname localhost, got %q", c.Hostname)
	}
	if c.Tls != nil {
		t.Fatalf("expected no Tls block when config file is absent, got %+v", c.Tls)
	}
}

func TestInitAppliesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	const body = `{"Hostname":"gateway.hoop","TlsCertificateFile":"cert.pem","TlsPrivateKeyFile":"key.pem","TlsVerifyStrict":true}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Init(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Hostname != "gateway.hoop" {
		t.Fatalf("expected hostname override, got %q", c.Hostname)
	}
	if c.Tls == nil || !c.Tls.VerifyStrict {
		t.Fatalf("expected Tls block with VerifyStrict true, got %+v", c.Tls)
	}
}

func TestUpstreamTLSInsecureDefaultsFalse(t *testing.T) {
	os.Unsetenv("HOOP_TLS_INSECURE_UPSTREAM")
	if UpstreamTLSInsecure() {
		t.Fatal("expected UpstreamTLSInsecure to default to false when unset")
	}
	os.Setenv("HOOP_TLS_INSECURE_UPSTREAM", "true")
	defer os.Unsetenv("HOOP_TLS_INSECURE_UPSTREAM")
	if !UpstreamTLSInsecure() {
		t.Fatal("expected UpstreamTLSInsecure true for HOOP_TLS_INSECURE_UPSTREAM=true")
	}
}

func TestCertEnabledDefaultsTrue(t *testing.T) {
	os.Unsetenv("HOOP_CERT")
	if !CertEnabled() {
		t.Fatal("expected CertEnabled to default to true when unset")
	}
	os.Setenv("HOOP_CERT", "false")
	defer os.Unsetenv("HOOP_CERT")
	if CertEnabled() {
		t.Fatal("expected CertEnabled false for HOOP_CERT=false")
	}
}
