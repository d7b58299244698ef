package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestSessions(t *testing.T, ttl time.Duration) (*SessionManager, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Sessions.Secret = "test-session-secret"
	cfg.Sessions.TTL = ttl
	sessions := NewSessionManager(cfg, store, testLogger())
	return sessions, store
}

func TestSessionMintAndAuthenticate(t *testing.T) {
	sessions, store := newTestSessions(t, time.Hour)
	user := seedTestUser(t, store)
	ctx := context.Background()

	sess, token, err := sessions.Mint(ctx, user.ID, "203.0.113.9", "browser")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	cookieReq := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	cookieReq.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	got, err := sessions.Authenticate(ctx, cookieReq)
	if err != nil {
		t.Fatalf("Authenticate via cookie: %v", err)
	}
	if got.ID != sess.ID || got.UserID != user.ID {
		t.Fatalf("session mismatch: %+v", got)
	}

	bearerReq := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	bearerReq.Header.Set("Authorization", "Bearer "+token)
	if _, err := sessions.Authenticate(ctx, bearerReq); err != nil {
		t.Fatalf("Authenticate via bearer: %v", err)
	}
}

func TestSessionAuthenticateRejectsMissingAndForged(t *testing.T) {
	sessions, store := newTestSessions(t, time.Hour)
	user := seedTestUser(t, store)
	ctx := context.Background()

	bare := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if _, err := sessions.Authenticate(ctx, bare); !errors.Is(err, ErrNoSession) {
		t.Fatalf("no credentials: got %v want %v", err, ErrNoSession)
	}

	// A token signed under a different secret fails even when the session
	// row exists.
	_, token, err := sessions.Mint(ctx, user.ID, "", "")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Sessions.Secret = "some-other-secret"
	forged := NewSessionManager(cfg, store, testLogger())
	if _, err := forged.Verify(ctx, token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("wrong secret: got %v want %v", err, ErrNoSession)
	}
}

func TestSessionVerifyExpiredDeletesRow(t *testing.T) {
	sessions, store := newTestSessions(t, -time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	sess, token, err := sessions.Mint(ctx, user.ID, "", "")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := sessions.Verify(ctx, token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired session: got %v want %v", err, ErrNoSession)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session row should be deleted, got %v", err)
	}
}

func TestSessionCookieFlags(t *testing.T) {
	sessions, _ := newTestSessions(t, time.Hour)

	rec := httptest.NewRecorder()
	sessions.SetCookie(rec, "tok")
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != sessionCookieName || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookie flags mismatch: %+v", c)
	}

	rec = httptest.NewRecorder()
	sessions.Clear(rec)
	if got := rec.Result().Cookies()[0].MaxAge; got != -1 {
		t.Fatalf("clear cookie max-age: got %d want -1", got)
	}
}
