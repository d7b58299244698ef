package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTestUser(t *testing.T, store Store) *User {
	t.Helper()
	user := &User{
		ID:            "user-1",
		Email:         "ada@example.com",
		Name:          "Ada",
		Image:         "https://example.com/ada.png",
		Role:          "user",
		EmailVerified: true,
		CreatedAt:     time.Now(),
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func seedTestClient(t *testing.T, store Store, secret string) *OAuthClient {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	client := &OAuthClient{
		ID:           "row-client-1",
		ClientID:     "webapp",
		SecretHash:   string(hash),
		Name:         "Web App",
		RedirectURIs: []string{"https://app.example/cb"},
		Scopes:       []string{"profile", "email"},
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := store.CreateOAuthClient(context.Background(), client); err != nil {
		t.Fatalf("CreateOAuthClient: %v", err)
	}
	return client
}

func newTestAuth(t *testing.T) (*AuthService, *SQLiteStore, *User, *OAuthClient) {
	t.Helper()
	store := newTestStore(t)
	user := seedTestUser(t, store)
	client := seedTestClient(t, store, "s3cret")
	svc := NewAuthService(store, testLogger(), OAuthConfig{
		CodeTTL:   DefaultCodeTTL,
		AccessTTL: DefaultAccessTTL,
		GrantTTL:  DefaultGrantTTL,
	})
	return svc, store, user, client
}

// consentCode walks the consent path and returns the issued code and the
// redirect query for inspection.
func consentCode(t *testing.T, svc *AuthService, userID string, scopes []string, state string) (string, url.Values) {
	t.Helper()
	decision, err := svc.CompleteConsent(context.Background(), userID, "webapp", "https://app.example/cb", scopes, true, state)
	if err != nil {
		t.Fatalf("CompleteConsent: %v", err)
	}
	u, err := url.Parse(decision.RedirectURI)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", decision.RedirectURI)
	}
	return code, u.Query()
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	var oe *OAuthError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	return oe.Code
}

func TestValidateAuthorizationRequestRedirectMustMatchExactly(t *testing.T) {
	svc, _, _, _ := newTestAuth(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		clientID string
		redirect string
		scopes   []string
		wantCode string
	}{
		{"registered uri", "webapp", "https://app.example/cb", []string{"profile"}, ""},
		{"trailing slash", "webapp", "https://app.example/cb/", []string{"profile"}, ErrCodeInvalidRedirectURI},
		{"extra query", "webapp", "https://app.example/cb?x=1", []string{"profile"}, ErrCodeInvalidRedirectURI},
		{"different host", "webapp", "https://evil.example/cb", []string{"profile"}, ErrCodeInvalidRedirectURI},
		{"empty redirect", "webapp", "", []string{"profile"}, ErrCodeInvalidRedirectURI},
		{"unknown client", "ghost", "https://app.example/cb", []string{"profile"}, ErrCodeInvalidClient},
		{"no scopes", "webapp", "https://app.example/cb", nil, ErrCodeInvalidScope},
		{"unknown scope poisons all", "webapp", "https://app.example/cb", []string{"profile", "admin"}, ErrCodeInvalidScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ValidateAuthorizationRequest(ctx, tc.clientID, tc.redirect, tc.scopes)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := oauthCode(t, err); got != tc.wantCode {
				t.Fatalf("error code mismatch: got %q want %q", got, tc.wantCode)
			}
		})
	}
}

func TestValidateAuthorizationRequestRejectsInactiveClient(t *testing.T) {
	svc, store, _, client := newTestAuth(t)
	ctx := context.Background()

	if err := store.SetOAuthClientActive(ctx, client.ClientID, false); err != nil {
		t.Fatalf("SetOAuthClientActive: %v", err)
	}
	_, err := svc.ValidateAuthorizationRequest(ctx, client.ClientID, "https://app.example/cb", []string{"profile"})
	if got := oauthCode(t, err); got != ErrCodeInvalidClient {
		t.Fatalf("error code mismatch: got %q want %q", got, ErrCodeInvalidClient)
	}
}

func TestBeginAuthorizationRoutesToConsentThenSilently(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()
	scopes := []string{"profile", "email"}

	decision, err := svc.BeginAuthorization(ctx, user.ID, "webapp", "https://app.example/cb", scopes, "xyz", false)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if !decision.ConsentRequired {
		t.Fatalf("expected consent to be required on first authorization")
	}

	consentCode(t, svc, user.ID, scopes, "xyz")

	decision, err = svc.BeginAuthorization(ctx, user.ID, "webapp", "https://app.example/cb", scopes, "abc", false)
	if err != nil {
		t.Fatalf("BeginAuthorization after grant: %v", err)
	}
	if decision.ConsentRequired {
		t.Fatalf("expected silent re-auth once a live grant exists")
	}
	u, _ := url.Parse(decision.RedirectURI)
	if u.Query().Get("code") == "" {
		t.Fatalf("silent re-auth redirect missing code: %q", decision.RedirectURI)
	}
	if u.Query().Get("state") != "abc" {
		t.Fatalf("state not echoed: %q", decision.RedirectURI)
	}

	// prompt=consent forces the consent step despite the grant.
	decision, err = svc.BeginAuthorization(ctx, user.ID, "webapp", "https://app.example/cb", scopes, "abc", true)
	if err != nil {
		t.Fatalf("BeginAuthorization forced: %v", err)
	}
	if !decision.ConsentRequired {
		t.Fatalf("forceConsent should route to consent")
	}
}

func TestBeginAuthorizationBroaderScopesNeedConsentAgain(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	consentCode(t, svc, user.ID, []string{"profile"}, "")

	// Widening the scope set must route back to consent; the profile-only
	// grant does not cover an email request.
	decision, err := svc.BeginAuthorization(ctx, user.ID, "webapp", "https://app.example/cb", []string{"profile", "email"}, "xyz", false)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if !decision.ConsentRequired {
		t.Fatalf("scope escalation bypassed consent: %q", decision.RedirectURI)
	}

	// A request within the granted set still re-auths silently, and the
	// minted token carries only the consented scope.
	decision, err = svc.BeginAuthorization(ctx, user.ID, "webapp", "https://app.example/cb", []string{"profile"}, "xyz", false)
	if err != nil {
		t.Fatalf("BeginAuthorization covered: %v", err)
	}
	if decision.ConsentRequired {
		t.Fatalf("covered request should re-auth silently")
	}
	u, _ := url.Parse(decision.RedirectURI)
	tokens, err := svc.ExchangeCode(ctx, "webapp", "s3cret", u.Query().Get("code"))
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.Scope != "profile" {
		t.Fatalf("token scope mismatch: got %q want %q", tokens.Scope, "profile")
	}
}

func TestCompleteConsentDeniedRedirectsWithError(t *testing.T) {
	svc, store, user, _ := newTestAuth(t)
	ctx := context.Background()

	decision, err := svc.CompleteConsent(ctx, user.ID, "webapp", "https://app.example/cb", []string{"profile"}, false, "st8")
	if err != nil {
		t.Fatalf("CompleteConsent deny: %v", err)
	}
	u, _ := url.Parse(decision.RedirectURI)
	if u.Query().Get("error") != ErrCodeAccessDenied {
		t.Fatalf("expected access_denied redirect, got %q", decision.RedirectURI)
	}
	if u.Query().Get("state") != "st8" {
		t.Fatalf("state not echoed on denial: %q", decision.RedirectURI)
	}
	if u.Query().Get("code") != "" {
		t.Fatalf("denial must not carry a code: %q", decision.RedirectURI)
	}

	// Denial must not create a grant.
	if _, err := store.GetAuthorization(ctx, user.ID, "webapp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no grant after denial, got err=%v", err)
	}
}

func TestReapprovalReplacesGrantScopes(t *testing.T) {
	svc, store, user, _ := newTestAuth(t)
	ctx := context.Background()

	consentCode(t, svc, user.ID, []string{"profile", "email"}, "")
	consentCode(t, svc, user.ID, []string{"profile"}, "")

	grant, err := store.GetAuthorization(ctx, user.ID, "webapp")
	if err != nil {
		t.Fatalf("GetAuthorization: %v", err)
	}
	if len(grant.Scopes) != 1 || grant.Scopes[0] != "profile" {
		t.Fatalf("re-approval should replace scopes, got %v", grant.Scopes)
	}
}

func TestExchangeCodeIsSingleUse(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	code, _ := consentCode(t, svc, user.ID, []string{"profile", "email"}, "")

	tokens, err := svc.ExchangeCode(ctx, "webapp", "s3cret", code)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected full token pair, got %+v", tokens)
	}
	if tokens.TokenType != "Bearer" {
		t.Fatalf("token type mismatch: %q", tokens.TokenType)
	}
	if tokens.ExpiresIn != 3600 {
		t.Fatalf("expires_in mismatch: got %d want 3600", tokens.ExpiresIn)
	}
	if tokens.Scope != "profile email" {
		t.Fatalf("scope mismatch: %q", tokens.Scope)
	}

	_, err = svc.ExchangeCode(ctx, "webapp", "s3cret", code)
	if got := oauthCode(t, err); got != ErrCodeInvalidGrant {
		t.Fatalf("second exchange: got %q want %q", got, ErrCodeInvalidGrant)
	}
}

func TestExchangeCodeWrongClientBurnsCode(t *testing.T) {
	svc, store, user, _ := newTestAuth(t)
	ctx := context.Background()

	other := &OAuthClient{
		ID:           "row-client-2",
		ClientID:     "other",
		SecretHash:   mustBcrypt(t, "other-secret"),
		Name:         "Other App",
		RedirectURIs: []string{"https://other.example/cb"},
		Scopes:       []string{"profile"},
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := store.CreateOAuthClient(ctx, other); err != nil {
		t.Fatalf("CreateOAuthClient: %v", err)
	}

	code, _ := consentCode(t, svc, user.ID, []string{"profile"}, "")

	_, err := svc.ExchangeCode(ctx, "other", "other-secret", code)
	if got := oauthCode(t, err); got != ErrCodeInvalidGrant {
		t.Fatalf("cross-client exchange: got %q want %q", got, ErrCodeInvalidGrant)
	}

	// The code was consumed by the failed attempt.
	_, err = svc.ExchangeCode(ctx, "webapp", "s3cret", code)
	if got := oauthCode(t, err); got != ErrCodeInvalidGrant {
		t.Fatalf("exchange after burn: got %q want %q", got, ErrCodeInvalidGrant)
	}
}

func TestExchangeCodeRejectsBadClientCredentials(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	code, _ := consentCode(t, svc, user.ID, []string{"profile"}, "")

	_, err := svc.ExchangeCode(ctx, "webapp", "wrong", code)
	if got := oauthCode(t, err); got != ErrCodeInvalidClient {
		t.Fatalf("bad secret: got %q want %q", got, ErrCodeInvalidClient)
	}

	// Authentication failed before the code was touched, so it still works.
	if _, err := svc.ExchangeCode(ctx, "webapp", "s3cret", code); err != nil {
		t.Fatalf("exchange after failed auth attempt: %v", err)
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	store := newTestStore(t)
	user := seedTestUser(t, store)
	client := seedTestClient(t, store, "s3cret")
	svc := NewAuthService(store, testLogger(), OAuthConfig{
		CodeTTL:   -time.Minute,
		AccessTTL: DefaultAccessTTL,
		GrantTTL:  DefaultGrantTTL,
	})

	code, err := svc.IssueCode(context.Background(), user.ID, client, []string{"profile"})
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	_, err = svc.ExchangeCode(context.Background(), "webapp", "s3cret", code)
	if got := oauthCode(t, err); got != ErrCodeInvalidGrant {
		t.Fatalf("expired code: got %q want %q", got, ErrCodeInvalidGrant)
	}
}

func TestRefreshTokenRotatesPair(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	code, _ := consentCode(t, svc, user.ID, []string{"profile"}, "")
	first, err := svc.ExchangeCode(ctx, "webapp", "s3cret", code)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	second, err := svc.RefreshToken(ctx, "webapp", "s3cret", first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected rotation to mint fresh values")
	}

	// The old pair is gone wholesale.
	if _, err := svc.RefreshToken(ctx, "webapp", "s3cret", first.RefreshToken); err == nil {
		t.Fatalf("old refresh token should be dead after rotation")
	}
	if _, err := svc.UserInfo(ctx, first.AccessToken); err == nil {
		t.Fatalf("old access token should be dead after rotation")
	}
	if _, err := svc.UserInfo(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
}

func TestRefreshTokenOwnership(t *testing.T) {
	svc, store, user, _ := newTestAuth(t)
	ctx := context.Background()

	other := &OAuthClient{
		ID:           "row-client-2",
		ClientID:     "other",
		SecretHash:   mustBcrypt(t, "other-secret"),
		Name:         "Other App",
		RedirectURIs: []string{"https://other.example/cb"},
		Scopes:       []string{"profile"},
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := store.CreateOAuthClient(ctx, other); err != nil {
		t.Fatalf("CreateOAuthClient: %v", err)
	}

	code, _ := consentCode(t, svc, user.ID, []string{"profile"}, "")
	tokens, err := svc.ExchangeCode(ctx, "webapp", "s3cret", code)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	_, err = svc.RefreshToken(ctx, "other", "other-secret", tokens.RefreshToken)
	if got := oauthCode(t, err); got != ErrCodeInvalidGrant {
		t.Fatalf("cross-client refresh: got %q want %q", got, ErrCodeInvalidGrant)
	}
}

func TestUserInfoScopeGating(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		scopes     []string
		wantKeys   []string
		absentKeys []string
	}{
		{"profile only", []string{"profile"}, []string{"id", "name", "image"}, []string{"email", "email_verified"}},
		{"email only", []string{"email"}, []string{"id", "email", "email_verified"}, []string{"name", "image"}},
		{"both", []string{"profile", "email"}, []string{"id", "name", "image", "email", "email_verified"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tokens, err := svc.mintPair(ctx, "webapp", user.ID, tc.scopes)
			if err != nil {
				t.Fatalf("mintPair: %v", err)
			}
			claims, err := svc.UserInfo(ctx, tokens.AccessToken)
			if err != nil {
				t.Fatalf("UserInfo: %v", err)
			}
			for _, k := range tc.wantKeys {
				if _, ok := claims[k]; !ok {
					t.Fatalf("claim %q missing: %v", k, claims)
				}
			}
			for _, k := range tc.absentKeys {
				if _, ok := claims[k]; ok {
					t.Fatalf("claim %q should be withheld: %v", k, claims)
				}
			}
			if claims["id"] != user.ID {
				t.Fatalf("id claim mismatch: %v", claims["id"])
			}
		})
	}
}

func TestUserInfoRejectsCodeAsBearer(t *testing.T) {
	svc, _, user, _ := newTestAuth(t)
	ctx := context.Background()

	code, _ := consentCode(t, svc, user.ID, []string{"profile"}, "")
	_, err := svc.UserInfo(ctx, code)
	if got := oauthCode(t, err); got != ErrCodeInvalidToken {
		t.Fatalf("code as bearer: got %q want %q", got, ErrCodeInvalidToken)
	}
}

func TestUserInfoRejectsUnknownAndEmptyToken(t *testing.T) {
	svc, _, _, _ := newTestAuth(t)
	ctx := context.Background()

	for _, token := range []string{"", "nope"} {
		_, err := svc.UserInfo(ctx, token)
		if got := oauthCode(t, err); got != ErrCodeInvalidToken {
			t.Fatalf("token %q: got %q want %q", token, got, ErrCodeInvalidToken)
		}
	}
}

func mustBcrypt(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}
