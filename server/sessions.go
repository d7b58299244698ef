package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookieName = "idpd_session"

// ErrNoSession is returned when a request carries no usable session.
var ErrNoSession = errors.New("no valid session")

type sessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionManager mints and authenticates server-side sessions. The signing
// secret is shared with the external session module so sessions created by
// ordinary password login verify here too.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	secret       []byte
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		secret:       []byte(cfg.Sessions.Secret),
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Mint creates a session row bound to userID and returns it with the signed
// token the caller installs as a cookie.
func (sm *SessionManager) Mint(ctx context.Context, userID, ip, userAgent string) (*Session, string, error) {
	now := time.Now()
	sess := &Session{
		ID:        newID(),
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.CreateSession(ctx, sess); err != nil {
		return nil, "", err
	}

	claims := sessionClaims{
		SID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return nil, "", fmt.Errorf("sign session token: %w", err)
	}
	return sess, token, nil
}

// Authenticate resolves the session for a request, accepting either the
// session cookie or a bearer token. Signature, store row, and expiry are all
// checked; any failure is ErrNoSession.
func (sm *SessionManager) Authenticate(ctx context.Context, r *http.Request) (*Session, error) {
	token := ""
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" {
		token = extractBearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return nil, ErrNoSession
	}
	return sm.Verify(ctx, token)
}

// Verify validates a signed session token against the store.
func (sm *SessionManager) Verify(ctx context.Context, token string) (*Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrNoSession
	}

	sess, err := sm.store.GetSession(ctx, claims.SID)
	if err != nil {
		return nil, ErrNoSession
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(ctx, sess.ID)
		return nil, ErrNoSession
	}
	return sess, nil
}

// SetCookie installs the session cookie.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
