package server

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded protocol defaults.
const (
	DefaultCodeTTL         = 10 * time.Minute
	DefaultAccessTTL       = 1 * time.Hour
	DefaultGrantTTL        = 365 * 24 * time.Hour
	DefaultSessionTTL      = 12 * time.Hour
	DefaultQRTTL           = 5 * time.Minute
	DefaultQRRetention     = 24 * time.Hour
	DefaultEnvelopeSkew    = 5 * time.Minute
	DefaultNonceTTL        = 5 * time.Minute
	DefaultCrossAppTTL     = 5 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Hardcoded CORS defaults.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Control-Secret", "X-Master-Key"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	QR       QRConfig       `yaml:"qr"`
	Control  ControlConfig  `yaml:"control"`
	CrossApp CrossAppConfig `yaml:"cross_app"`
	Seed     SeedConfig     `yaml:"seed"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	CookieDomain    string        `yaml:"cookie_domain"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	TLS             TLSConfig     `yaml:"tls"`
	CORS            CORSConfig    `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the origins allowed to call the JSON endpoints.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// StoreConfig points at the SQLite database backing all persistent state.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds the signing secret shared with the session module.
type SessionsConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// OAuthConfig holds authorization-server lifetimes.
type OAuthConfig struct {
	CodeTTL   time.Duration `yaml:"code_ttl"`
	AccessTTL time.Duration `yaml:"access_ttl"`
	GrantTTL  time.Duration `yaml:"grant_ttl"`
}

// QRConfig holds the QR login HMAC secret and lifetimes.
type QRConfig struct {
	Secret    string        `yaml:"secret"`
	TTL       time.Duration `yaml:"ttl"`
	Retention time.Duration `yaml:"retention"`
}

// ControlConfig holds the secure control channel credentials. Keys are
// 32 bytes, hex or base64 encoded.
type ControlConfig struct {
	SharedSecret  string        `yaml:"shared_secret"`
	EncryptionKey string        `yaml:"encryption_key"`
	HMACKey       string        `yaml:"hmac_key"`
	MaxSkew       time.Duration `yaml:"max_skew"`
	NonceTTL      time.Duration `yaml:"nonce_ttl"`
}

// CrossAppConfig holds the cross-app handoff key and master credential.
type CrossAppConfig struct {
	MasterKey     string        `yaml:"master_key"`
	EncryptionKey string        `yaml:"encryption_key"`
	TTL           time.Duration `yaml:"ttl"`
}

// SeedConfig lists users and clients created at startup when missing.
// Intended for dev mode and integration environments.
type SeedConfig struct {
	Users   []SeedUser   `yaml:"users"`
	Clients []SeedClient `yaml:"clients"`
}

// SeedUser describes a user row provisioned on boot.
type SeedUser struct {
	ID            string `yaml:"id"`
	Email         string `yaml:"email"`
	Name          string `yaml:"name"`
	Image         string `yaml:"image"`
	Role          string `yaml:"role"`
	EmailVerified bool   `yaml:"email_verified"`
}

// SeedClient describes an OAuth client provisioned on boot. The secret is
// given in plaintext here and stored hashed.
type SeedClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	OwnerUserID  string   `yaml:"owner_user_id"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			CleanupInterval: DefaultCleanupInterval,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Store:    StoreConfig{Path: "idpd.db"},
		Sessions: SessionsConfig{TTL: DefaultSessionTTL},
		OAuth: OAuthConfig{
			CodeTTL:   DefaultCodeTTL,
			AccessTTL: DefaultAccessTTL,
			GrantTTL:  DefaultGrantTTL,
		},
		QR: QRConfig{
			TTL:       DefaultQRTTL,
			Retention: DefaultQRRetention,
		},
		Control: ControlConfig{
			MaxSkew:  DefaultEnvelopeSkew,
			NonceTTL: DefaultNonceTTL,
		},
		CrossApp: CrossAppConfig{TTL: DefaultCrossAppTTL},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IDPD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"IDPD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"IDPD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"IDPD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"IDPD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDPD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"IDPD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"IDPD_STORE_PATH":               func(v string) { cfg.Store.Path = v },
		"IDPD_SESSION_SECRET":           func(v string) { cfg.Sessions.Secret = v },
		"IDPD_QR_SECRET":                func(v string) { cfg.QR.Secret = v },
		"IDPD_CONTROL_SHARED_SECRET":    func(v string) { cfg.Control.SharedSecret = v },
		"IDPD_CONTROL_ENCRYPTION_KEY":   func(v string) { cfg.Control.EncryptionKey = v },
		"IDPD_CONTROL_HMAC_KEY":         func(v string) { cfg.Control.HMACKey = v },
		"IDPD_CROSS_APP_MASTER_KEY":     func(v string) { cfg.CrossApp.MasterKey = v },
		"IDPD_CROSS_APP_ENCRYPTION_KEY": func(v string) { cfg.CrossApp.EncryptionKey = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DecodeKey parses a 32-byte key supplied as hex or base64 (std or raw).
func DecodeKey(val string) ([]byte, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil, errors.New("empty key")
	}
	if b, err := hex.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("key must decode to 32 bytes (hex or base64)")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
		// Production refuses to start without real secrets; dev mode
		// generates throwaway ones at boot.
		required := []struct {
			field string
			value string
		}{
			{"sessions.secret", c.Sessions.Secret},
			{"qr.secret", c.QR.Secret},
			{"control.shared_secret", c.Control.SharedSecret},
			{"control.encryption_key", c.Control.EncryptionKey},
			{"control.hmac_key", c.Control.HMACKey},
			{"cross_app.master_key", c.CrossApp.MasterKey},
			{"cross_app.encryption_key", c.CrossApp.EncryptionKey},
		}
		for _, req := range required {
			if strings.TrimSpace(req.value) == "" {
				return fmt.Errorf("%s is required in production mode", req.field)
			}
		}
	}

	if c.Server.TLS.MinVersion != "" {
		valid := map[string]bool{"1.2": true, "1.3": true}
		if !valid[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Control.EncryptionKey != "" {
		if _, err := DecodeKey(c.Control.EncryptionKey); err != nil {
			return fmt.Errorf("control.encryption_key: %w", err)
		}
	}
	if c.Control.HMACKey != "" {
		if _, err := DecodeKey(c.Control.HMACKey); err != nil {
			return fmt.Errorf("control.hmac_key: %w", err)
		}
	}
	if c.CrossApp.EncryptionKey != "" {
		if _, err := DecodeKey(c.CrossApp.EncryptionKey); err != nil {
			return fmt.Errorf("cross_app.encryption_key: %w", err)
		}
	}

	for i, user := range c.Seed.Users {
		if user.ID == "" && user.Email == "" {
			return fmt.Errorf("seed.users[%d]: id or email is required", i)
		}
	}

	for i, client := range c.Seed.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("seed.clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("seed.clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("seed.clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	return nil
}
