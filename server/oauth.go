package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// OAuth error codes per RFC 6749. Validation failures surface one of these
// and nothing else; internal detail stays in the logs.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeServerError          = "server_error"
)

// OAuthError is a structured OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string { return e.Code }

func oauthErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// AsOAuthError extracts an OAuthError from err, wrapping anything else as a
// server_error so store failures never leak detail to clients.
func AsOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return oauthErr(ErrCodeServerError, "internal error")
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthDecision is the outcome of BeginAuthorization or CompleteConsent:
// either a redirect back to the client (code issued, or denial) or a routing
// to the consent step.
type AuthDecision struct {
	RedirectURI     string
	ConsentRequired bool
	Client          *OAuthClient
	Scopes          []string
}

// AuthService implements the OAuth2 authorization-code server over the store.
type AuthService struct {
	store     Store
	logger    *slog.Logger
	codeTTL   time.Duration
	accessTTL time.Duration
	grantTTL  time.Duration
}

// NewAuthService constructs the authorization server core.
func NewAuthService(store Store, logger *slog.Logger, cfg OAuthConfig) *AuthService {
	return &AuthService{
		store:     store,
		logger:    logger,
		codeTTL:   cfg.CodeTTL,
		accessTTL: cfg.AccessTTL,
		grantTTL:  cfg.GrantTTL,
	}
}

// ValidateAuthorizationRequest checks the client, redirect URI, and scopes of
// an incoming authorization request. The redirect URI must be byte-identical
// to a registered one; a trailing slash or extra query string fails. Scopes
// are all-or-nothing: one unknown scope rejects the whole request.
func (s *AuthService) ValidateAuthorizationRequest(ctx context.Context, clientID, redirectURI string, scopes []string) (*OAuthClient, error) {
	if clientID == "" {
		return nil, oauthErr(ErrCodeInvalidClient, "client_id required")
	}
	client, err := s.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return nil, err
	}
	if !client.Active {
		return nil, oauthErr(ErrCodeInvalidClient, "client is not active")
	}
	if redirectURI == "" || !slices.Contains(client.RedirectURIs, redirectURI) {
		return nil, oauthErr(ErrCodeInvalidRedirectURI, "redirect_uri is not registered")
	}
	if len(scopes) == 0 {
		return nil, oauthErr(ErrCodeInvalidScope, "scope required")
	}
	for _, sc := range scopes {
		if !slices.Contains(client.Scopes, sc) {
			return nil, oauthErr(ErrCodeInvalidScope, fmt.Sprintf("scope %q not allowed for client", sc))
		}
	}
	return client, nil
}

// BeginAuthorization issues a code immediately when a live consent grant
// already covers every requested scope and forceConsent is false; otherwise
// it routes to the consent step. A request widening the scope set always
// returns to consent, the stored grant never authorizes more than the user
// approved.
func (s *AuthService) BeginAuthorization(ctx context.Context, userID, clientID, redirectURI string, scopes []string, state string, forceConsent bool) (*AuthDecision, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, clientID, redirectURI, scopes)
	if err != nil {
		return nil, err
	}

	if !forceConsent {
		grant, err := s.store.GetAuthorization(ctx, userID, clientID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if grant != nil && time.Now().Before(grant.ExpiresAt) && grantCovers(grant.Scopes, scopes) {
			redirect, err := s.issueCodeRedirect(ctx, userID, client, redirectURI, scopes, state)
			if err != nil {
				return nil, err
			}
			return &AuthDecision{RedirectURI: redirect, Client: client, Scopes: scopes}, nil
		}
	}

	return &AuthDecision{ConsentRequired: true, Client: client, Scopes: scopes}, nil
}

// CompleteConsent finishes the consent step. Denial redirects back with
// error=access_denied and the state echoed. Approval replaces the grant's
// scopes and refreshes its expiry, then issues a code.
func (s *AuthService) CompleteConsent(ctx context.Context, userID, clientID, redirectURI string, scopes []string, approved bool, state string) (*AuthDecision, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, clientID, redirectURI, scopes)
	if err != nil {
		return nil, err
	}

	if !approved {
		redirect, err := appendQuery(redirectURI, map[string]string{
			"error": ErrCodeAccessDenied,
			"state": state,
		})
		if err != nil {
			return nil, err
		}
		return &AuthDecision{RedirectURI: redirect, Client: client, Scopes: scopes}, nil
	}

	now := time.Now()
	grant := &OAuthAuthorization{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.grantTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertAuthorization(ctx, grant); err != nil {
		return nil, err
	}

	redirect, err := s.issueCodeRedirect(ctx, userID, client, redirectURI, scopes, state)
	if err != nil {
		return nil, err
	}
	return &AuthDecision{RedirectURI: redirect, Client: client, Scopes: scopes}, nil
}

// IssueCode stores a fresh single-use authorization code scoped to the
// granted scopes.
func (s *AuthService) IssueCode(ctx context.Context, userID string, client *OAuthClient, scopes []string) (string, error) {
	code, err := randomToken(32)
	if err != nil {
		return "", err
	}
	now := time.Now()
	row := &OAuthToken{
		ID:          newID(),
		ClientID:    client.ClientID,
		UserID:      userID,
		Scopes:      scopes,
		AccessToken: code,
		ExpiresAt:   now.Add(s.codeTTL),
		CreatedAt:   now,
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return "", err
	}
	return code, nil
}

func (s *AuthService) issueCodeRedirect(ctx context.Context, userID string, client *OAuthClient, redirectURI string, scopes []string, state string) (string, error) {
	code, err := s.IssueCode(ctx, userID, client, scopes)
	if err != nil {
		return "", err
	}
	return appendQuery(redirectURI, map[string]string{
		"code":  code,
		"state": state,
	})
}

// ExchangeCode redeems an authorization code for an access/refresh pair. The
// code row is deleted as part of the exchange and the delete is the gate:
// under a concurrent double-submit only the request that wins the delete
// mints tokens, the loser gets invalid_grant.
func (s *AuthService) ExchangeCode(ctx context.Context, clientID, clientSecret, code string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	row, err := s.store.GetTokenByAccess(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidGrant, "code invalid or expired")
		}
		return nil, err
	}
	if !row.IsCode() {
		// An access token value is not redeemable as a code.
		return nil, oauthErr(ErrCodeInvalidGrant, "code invalid or expired")
	}

	won, err := s.store.DeleteToken(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, oauthErr(ErrCodeInvalidGrant, "code invalid or expired")
	}

	if row.ClientID != client.ClientID {
		return nil, oauthErr(ErrCodeInvalidGrant, "code was issued to another client")
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, oauthErr(ErrCodeInvalidGrant, "code invalid or expired")
	}

	return s.mintPair(ctx, client.ClientID, row.UserID, row.Scopes)
}

// RefreshToken rotates an access/refresh pair. The old pair is deleted and
// replaced wholesale; a replayed old refresh token finds no row and fails.
func (s *AuthService) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, oauthErr(ErrCodeInvalidRequest, "refresh_token required")
	}

	row, err := s.store.GetTokenByRefresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidGrant, "refresh token invalid")
		}
		return nil, err
	}
	if row.ClientID != client.ClientID {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token invalid")
	}

	won, err := s.store.DeleteToken(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token invalid")
	}

	return s.mintPair(ctx, client.ClientID, row.UserID, row.Scopes)
}

// UserInfo resolves an access token to scope-filtered claims. The id claim is
// always present; name/image require the profile scope and email fields the
// email scope. Nothing is returned unconditionally.
func (s *AuthService) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if accessToken == "" {
		return nil, oauthErr(ErrCodeInvalidToken, "missing token")
	}
	row, err := s.store.GetTokenByAccess(ctx, accessToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidToken, "invalid token")
		}
		return nil, err
	}
	// Code rows share the access_token column but are not bearer tokens.
	if row.IsCode() {
		return nil, oauthErr(ErrCodeInvalidToken, "invalid token")
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, oauthErr(ErrCodeInvalidToken, "token expired")
	}

	user, err := s.store.GetUser(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidToken, "invalid token")
		}
		return nil, err
	}

	claims := map[string]any{"id": user.ID}
	if slices.Contains(row.Scopes, "profile") {
		claims["name"] = user.Name
		claims["image"] = user.Image
	}
	if slices.Contains(row.Scopes, "email") {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	return claims, nil
}

func (s *AuthService) authenticateClient(ctx context.Context, clientID, clientSecret string) (*OAuthClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, oauthErr(ErrCodeInvalidClient, "client credentials required")
	}
	client, err := s.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return nil, err
	}
	if !client.Active {
		return nil, oauthErr(ErrCodeInvalidClient, "client is not active")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
		return nil, oauthErr(ErrCodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}

func (s *AuthService) mintPair(ctx context.Context, clientID, userID string, scopes []string) (*TokenResponse, error) {
	access, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	row := &OAuthToken{
		ID:           newID(),
		ClientID:     clientID,
		UserID:       userID,
		Scopes:       scopes,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.accessTTL),
		CreatedAt:    now,
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        joinScopes(scopes),
	}, nil
}

// grantCovers reports whether every requested scope is in the granted set.
func grantCovers(granted, requested []string) bool {
	for _, sc := range requested {
		if !slices.Contains(granted, sc) {
			return false
		}
	}
	return true
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func appendQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
