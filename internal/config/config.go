// Package config resolves the HOOP_* environment variables and the
// optional on-disk JSON config file used by both the Agent and the
// Gateway side of the tunnel.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CertSource names where a Gateway's TLS acceptor material comes from.
type CertSource string

// External is presently the only supported source: cert and key files
// on disk. Auto-generation is selected by HOOP_CERT (true by default),
// whether or not a config file exists, not by a CertSource value.
const External CertSource = "External"

// File mirrors the on-disk JSON config schema exactly: PascalCase
// field names, matching what existing deployments already have on
// disk.
type File struct {
	Hostname             string
	Token                string
	TlsCertificateSource CertSource
	TlsCertificateFile   string
	TlsPrivateKeyFile    string
	TlsVerifyStrict      bool
}

// Tls holds the resolved TLS acceptor inputs for the Gateway.
type Tls struct {
	CertificateFile string
	PrivateKeyFile  string
	VerifyStrict    bool
}

// Conf is the fully resolved configuration used at runtime.
type Conf struct {
	Hostname string
	Token    string
	Tls      *Tls
}

const (
	defaultConfigRelPath = ".hoop/gateway.json"
	defaultDataDirName   = ".hoop"
)

// GetPath returns the JSON config file path: HOOP_PATH if set, else
// ~/.hoop/gateway.json.
func GetPath() (string, error) {
	if p := os.Getenv("HOOP_PATH"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigRelPath), nil
}

// GetDataDir returns HOOP_DATA_DIR if set, else ~/.hoop.
func GetDataDir() (string, error) {
	if d := os.Getenv("HOOP_DATA_DIR"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDataDirName), nil
}

// GetToken returns the HOOP_KEY agent token, which is required; an empty
// value is reported with ok=false so callers can turn it into a fatal
// startup error with their own exit-code policy.
func GetToken() (token string, ok bool) {
	token = os.Getenv("HOOP_KEY")
	return token, token != ""
}

// LoadFile reads and parses the on-disk JSON config. A missing file is
// not an error: it returns (nil, nil) so callers fall back to defaults.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}

// Init resolves the Gateway's full configuration: if a config file
// exists at path, its fields win; hostname defaults to "localhost" and
// TlsVerifyStrict defaults to false when the file omits them or is
// absent entirely.
func Init(path string) (*Conf, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Conf{Hostname: "localhost"}
	if f == nil {
		return c, nil
	}
	if f.Hostname != "" {
		c.Hostname = f.Hostname
	}
	c.Token = f.Token
	if f.TlsCertificateFile != "" || f.TlsPrivateKeyFile != "" {
		c.Tls = &Tls{
			CertificateFile: f.TlsCertificateFile,
			PrivateKeyFile:  f.TlsPrivateKeyFile,
			VerifyStrict:    f.TlsVerifyStrict,
		}
	}
	return c, nil
}

// CertEnabled reports whether HOOP_CERT selects auto-generation
// (default true: any value other than a recognized false string keeps
// auto-gen on).
func CertEnabled() bool {
	v, set := os.LookupEnv("HOOP_CERT")
	if !set {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// UpstreamTLSInsecure reports whether HOOP_TLS_INSECURE_UPSTREAM opts
// the Agent into skipping certificate verification when dialing RDP
// targets. Off by default; most standalone Windows hosts present
// self-signed certificates, so deployments without an internal CA need
// this on.
func UpstreamTLSInsecure() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("HOOP_TLS_INSECURE_UPSTREAM"))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// GatewayURL reads HOOP_GATEWAY_URL and normalizes it the way the Agent's
// websocket client expects: scheme coercion, trailing-slash trim, and
// the /api/ws suffix. ok is false when the variable is unset, which
// callers treat as a fatal startup error.
func GatewayURL() (url string, ok bool) {
	raw := os.Getenv("HOOP_GATEWAY_URL")
	if raw == "" {
		return "", false
	}
	return NormalizeGatewayURL(raw), true
}

// NormalizeGatewayURL applies the scheme coercion and /api/ws suffix
// rules to an arbitrary gateway URL string.
func NormalizeGatewayURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	default:
		u = "ws://" + u
	}
	return u + "/api/ws"
}
