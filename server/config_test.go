package server

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Server.DevMode {
		t.Fatalf("default mode should be dev")
	}
	if cfg.OAuth.CodeTTL != DefaultCodeTTL || cfg.OAuth.AccessTTL != DefaultAccessTTL {
		t.Fatalf("oauth defaults mismatch: %+v", cfg.OAuth)
	}
	if cfg.QR.TTL != DefaultQRTTL || cfg.QR.Retention != DefaultQRRetention {
		t.Fatalf("qr defaults mismatch: %+v", cfg.QR)
	}
	if cfg.Control.MaxSkew != DefaultEnvelopeSkew || cfg.CrossApp.TTL != DefaultCrossAppTTL {
		t.Fatalf("envelope defaults mismatch")
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  dev_mode: true
qr:
  secret: from-file
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("IDPD_SERVER_PUBLIC_URL", "https://id.example.com")
	t.Setenv("IDPD_QR_SECRET", "from-env")
	t.Setenv("IDPD_SERVER_TLS_DOMAINS", "id.example.com, alt.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://id.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.QR.Secret != "from-env" {
		t.Fatalf("env should win over file, got %q", cfg.QR.Secret)
	}
	if len(cfg.Server.TLS.Domains) != 2 || cfg.Server.TLS.Domains[1] != "alt.example.com" {
		t.Fatalf("TLS domains override mismatch: %v", cfg.Server.TLS.Domains)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  not_a_field: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = []string{"id.example.com"}

	if err := cfg.Validate(); err == nil {
		t.Fatalf("production config without secrets accepted")
	}

	key := hex.EncodeToString(make([]byte, 32))
	cfg.Sessions.Secret = "s"
	cfg.QR.Secret = "q"
	cfg.Control.SharedSecret = "c"
	cfg.Control.EncryptionKey = key
	cfg.Control.HMACKey = key
	cfg.CrossApp.MasterKey = "m"
	cfg.CrossApp.EncryptionKey = key
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully specified production config rejected: %v", err)
	}
}

func TestValidateSeedClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed.Clients = []SeedClient{{ClientID: "demo"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("seed client without redirect URIs accepted")
	}

	cfg.Seed.Clients = []SeedClient{{ClientID: "demo", RedirectURIs: []string{"ftp://bad"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("seed client with non-http redirect accepted")
	}

	cfg.Seed.Clients = []SeedClient{{ClientID: "demo", RedirectURIs: []string{"https://app.example/cb"}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid seed client rejected: %v", err)
	}
}

func TestDecodeKeyAcceptsCommonEncodings(t *testing.T) {
	raw := []byte(strings.Repeat("k", 32))

	encodings := map[string]string{
		"hex":        hex.EncodeToString(raw),
		"base64":     base64.StdEncoding.EncodeToString(raw),
		"raw base64": base64.RawStdEncoding.EncodeToString(raw),
		"base64url":  base64.RawURLEncoding.EncodeToString(raw),
	}
	for name, encoded := range encodings {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeKey(encoded)
			if err != nil {
				t.Fatalf("DecodeKey: %v", err)
			}
			if string(got) != string(raw) {
				t.Fatalf("decoded bytes mismatch")
			}
		})
	}

	for _, bad := range []string{"", "tooshort", hex.EncodeToString(make([]byte, 16))} {
		if _, err := DecodeKey(bad); err == nil {
			t.Fatalf("DecodeKey(%q) should fail", bad)
		}
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestCleanupIntervalDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.CleanupInterval != DefaultCleanupInterval {
		t.Fatalf("cleanup interval default: got %v want %v", cfg.Server.CleanupInterval, DefaultCleanupInterval)
	}
	if cfg.Sessions.TTL != 12*time.Hour {
		t.Fatalf("session ttl default: got %v", cfg.Sessions.TTL)
	}
}
