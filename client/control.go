// Package client provides a typed client for the encrypted control channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"idpd/server"
)

// ControlConfig configures the control-channel client. The keys must match
// the server's control configuration byte for byte.
type ControlConfig struct {
	BaseURL       string
	SharedSecret  string
	EncryptionKey []byte
	HMACKey       []byte
	MaxSkew       time.Duration
	HTTPClient    *http.Client
}

// Control talks to the server's encrypted control endpoint. Each call seals
// the request under a fresh nonce and verifies that the response echoes that
// nonce, carries a fresh timestamp, and authenticates under the shared HMAC
// key.
type Control struct {
	cfg    ControlConfig
	crypto *server.EnvelopeCrypto
	client *http.Client
}

// NewControl creates a control client with sane defaults.
func NewControl(cfg ControlConfig) (*Control, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret required")
	}
	crypto, err := server.NewEnvelopeCrypto(cfg.EncryptionKey, cfg.HMACKey)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Control{
		cfg:    ControlConfig{BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"), SharedSecret: cfg.SharedSecret, MaxSkew: cfg.MaxSkew},
		crypto: crypto,
		client: httpClient,
	}, nil
}

// Do sends one control request and returns the decrypted response payload.
func (c *Control) Do(ctx context.Context, req server.ControlRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	nonce, err := server.NewNonce()
	if err != nil {
		return nil, err
	}
	env, err := c.crypto.Seal(body, nonce, time.Now())
	if err != nil {
		return nil, fmt.Errorf("seal request: %w", err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/secure/control", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Control-Secret", c.cfg.SharedSecret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control endpoint returned %s", resp.Status)
	}

	var respEnv server.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&respEnv); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return c.openResponse(&respEnv, nonce)
}

// openResponse authenticates and decrypts the server's reply. The reply must
// echo the request nonce so it cannot be satisfied by a replayed response to
// some other call.
func (c *Control) openResponse(env *server.Envelope, wantNonce string) (json.RawMessage, error) {
	if env.Nonce != wantNonce {
		return nil, errors.New("response nonce mismatch")
	}
	ts, err := strconv.ParseInt(env.Timestamp, 10, 64)
	if err != nil {
		return nil, errors.New("response timestamp malformed")
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > c.cfg.MaxSkew || skew < -c.cfg.MaxSkew {
		return nil, errors.New("response timestamp stale")
	}
	if !c.crypto.VerifySignature(env) {
		return nil, errors.New("response signature invalid")
	}

	plaintext, err := c.crypto.Open(env)
	if err != nil {
		return nil, fmt.Errorf("decrypt response: %w", err)
	}

	// Action-level failures arrive encrypted like any other payload.
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(plaintext, &probe); err == nil && probe.Error != "" {
		return nil, fmt.Errorf("control action failed: %s", probe.Error)
	}
	return json.RawMessage(plaintext), nil
}

// Health checks the control channel end to end.
func (c *Control) Health(ctx context.Context) error {
	_, err := c.Do(ctx, server.ControlRequest{Action: "health"})
	return err
}
