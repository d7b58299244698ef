package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidEnvelope is the single error every control-channel verification
// failure collapses into. Stale timestamp, malformed nonce, replay, bad
// signature, and decrypt failure are indistinguishable from outside so the
// channel offers no oracle.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Export limits for export_full_state. Requests omitting the limit get the
// default; anything else is clamped into [min, max].
const (
	exportLimitMin     = 1
	exportLimitMax     = 5000
	exportLimitDefault = 1000
)

const auditRingSize = 256

var nonceShape = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

// ControlRequest is the decrypted payload of an inbound envelope.
type ControlRequest struct {
	Action       string               `json:"action"`
	UserID       string               `json:"user_id,omitempty"`
	Role         string               `json:"role,omitempty"`
	Name         string               `json:"name,omitempty"`
	Client       *ControlClientParams `json:"client,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	IncludeAudit bool                 `json:"include_audit,omitempty"`
}

// ControlClientParams carries the fields for create_oauth_client.
type ControlClientParams struct {
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	OwnerUserID  string   `json:"owner_user_id,omitempty"`
}

// AuditEntry records one dispatched control action, kept in a small
// in-memory ring surfaced by export_full_state.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Nonce  string    `json:"nonce"`
	OK     bool      `json:"ok"`
}

// ControlChannel verifies envelopes from a trusted backend and dispatches
// privileged administrative actions. It owns no keys or state itself: the
// crypto primitive and the nonce ledger are injected and live for the
// process.
type ControlChannel struct {
	crypto  *EnvelopeCrypto
	ledger  *NonceLedger
	store   Store
	logger  *slog.Logger
	maxSkew time.Duration
	now     func() time.Time

	auditMu sync.Mutex
	audit   []AuditEntry
}

// NewControlChannel constructs the control channel.
func NewControlChannel(crypto *EnvelopeCrypto, ledger *NonceLedger, store Store, logger *slog.Logger, maxSkew time.Duration) *ControlChannel {
	return &ControlChannel{
		crypto:  crypto,
		ledger:  ledger,
		store:   store,
		logger:  logger,
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// Handle verifies an inbound envelope, dispatches its action, and seals the
// response under the caller's nonce. Any verification failure returns
// ErrInvalidEnvelope with no further detail.
func (c *ControlChannel) Handle(ctx context.Context, env *Envelope) (*Envelope, error) {
	if err := c.verify(env); err != nil {
		c.logger.Warn("control envelope rejected", "error", err)
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := c.crypto.Open(env)
	if err != nil {
		c.logger.Warn("control envelope decrypt failed")
		return nil, ErrInvalidEnvelope
	}

	var req ControlRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, ErrInvalidEnvelope
	}

	result, dispatchErr := c.dispatch(ctx, &req)
	c.recordAudit(req.Action, env.Nonce, dispatchErr == nil)

	var payload any
	if dispatchErr != nil {
		c.logger.Warn("control action failed", "action", req.Action, "error", dispatchErr)
		payload = map[string]any{"error": dispatchErr.Error()}
	} else {
		payload = result
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode control response: %w", err)
	}
	// Response encryption failure is an infrastructure error; the caller
	// must treat the action's success as unconfirmed.
	return c.crypto.Seal(body, env.Nonce, c.now())
}

// verify applies the envelope checks in order: timestamp staleness, nonce
// shape, replay, then signature. The nonce is recorded only after everything
// else passes, and check-and-record is atomic per nonce.
func (c *ControlChannel) verify(env *Envelope) error {
	ts, err := strconv.ParseInt(env.Timestamp, 10, 64)
	if err != nil {
		return errors.New("bad timestamp")
	}
	now := c.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew > c.maxSkew || skew < -c.maxSkew {
		return errors.New("stale timestamp")
	}

	if !nonceShape.MatchString(env.Nonce) {
		return errors.New("bad nonce shape")
	}
	if c.ledger.Seen(env.Nonce, now) {
		return errors.New("nonce replay")
	}
	if !c.crypto.VerifySignature(env) {
		return errors.New("bad signature")
	}
	// Final gate: under concurrency only one request with this nonce
	// records it and proceeds.
	if !c.ledger.CheckAndRecord(env.Nonce, now) {
		return errors.New("nonce replay")
	}
	return nil
}

func (c *ControlChannel) dispatch(ctx context.Context, req *ControlRequest) (any, error) {
	switch req.Action {
	case "health":
		return map[string]any{"status": "ok", "time": c.now().UTC()}, nil
	case "list_users":
		return c.listUsers(ctx, req.Limit)
	case "set_user_role":
		return c.setUserRole(ctx, req.UserID, req.Role)
	case "list_api_keys":
		return c.store.ListAPIKeys(ctx, clampLimit(req.Limit))
	case "create_api_key":
		return c.createAPIKey(ctx, req.Name)
	case "list_oauth_clients":
		return c.store.ListOAuthClients(ctx, clampLimit(req.Limit))
	case "create_oauth_client":
		return c.createOAuthClient(ctx, req.Client)
	case "export_full_state":
		return c.exportFullState(ctx, req.Limit, req.IncludeAudit)
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (c *ControlChannel) listUsers(ctx context.Context, limit int) (any, error) {
	users, err := c.store.ListUsers(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": users}, nil
}

func (c *ControlChannel) setUserRole(ctx context.Context, userID, role string) (any, error) {
	if userID == "" || role == "" {
		return nil, errors.New("user_id and role required")
	}
	if err := c.store.SetUserRole(ctx, userID, role); err != nil {
		return nil, err
	}
	return map[string]any{"user_id": userID, "role": role}, nil
}

// createAPIKey mints a key in the idpd_<hex> format. The plaintext appears
// exactly once in the response; only the SHA-256 hash and a display prefix
// are stored.
func (c *ControlChannel) createAPIKey(ctx context.Context, name string) (any, error) {
	if name == "" {
		return nil, errors.New("name required")
	}
	raw, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	key := "idpd_" + raw
	apiKey := &APIKey{
		ID:        newID(),
		Name:      name,
		KeyHash:   hashSHA256(key),
		Prefix:    key[:12],
		CreatedAt: c.now(),
	}
	if err := c.store.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, err
	}
	return map[string]any{"api_key": apiKey, "key": key}, nil
}

// createOAuthClient registers a client with a generated id and secret. The
// secret is returned in plaintext once and stored only as a bcrypt hash.
func (c *ControlChannel) createOAuthClient(ctx context.Context, params *ControlClientParams) (any, error) {
	if params == nil || params.Name == "" || len(params.RedirectURIs) == 0 {
		return nil, errors.New("client name and redirect_uris required")
	}

	clientID, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = []string{"profile"}
	}
	client := &OAuthClient{
		ID:           newID(),
		ClientID:     clientID,
		SecretHash:   string(hash),
		Name:         params.Name,
		RedirectURIs: params.RedirectURIs,
		Scopes:       scopes,
		Active:       true,
		OwnerUserID:  params.OwnerUserID,
		CreatedAt:    c.now(),
	}
	if err := c.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, err
	}
	return map[string]any{"client": client, "client_secret": secret}, nil
}

func (c *ControlChannel) exportFullState(ctx context.Context, limit int, includeAudit bool) (any, error) {
	n := clampLimit(limit)

	users, err := c.store.ListUsers(ctx, n)
	if err != nil {
		return nil, err
	}
	sessions, err := c.store.ListSessions(ctx, n)
	if err != nil {
		return nil, err
	}
	clients, err := c.store.ListOAuthClients(ctx, n)
	if err != nil {
		return nil, err
	}
	tokens, err := c.store.ListTokens(ctx, n)
	if err != nil {
		return nil, err
	}
	keys, err := c.store.ListAPIKeys(ctx, n)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"limit":         n,
		"users":         users,
		"sessions":      sessions,
		"oauth_clients": clients,
		"oauth_tokens":  tokens,
		"api_keys":      keys,
	}
	if includeAudit {
		out["audit_log"] = c.auditSnapshot()
	}
	return out, nil
}

func (c *ControlChannel) recordAudit(action, nonce string, ok bool) {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	c.audit = append(c.audit, AuditEntry{Time: c.now(), Action: action, Nonce: nonce, OK: ok})
	if len(c.audit) > auditRingSize {
		c.audit = c.audit[len(c.audit)-auditRingSize:]
	}
}

func (c *ControlChannel) auditSnapshot() []AuditEntry {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}

func clampLimit(limit int) int {
	if limit == 0 {
		return exportLimitDefault
	}
	if limit < exportLimitMin {
		return exportLimitMin
	}
	if limit > exportLimitMax {
		return exportLimitMax
	}
	return limit
}
