package server

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for all identity-provider state.
// Implementations must be safe for concurrent use. Single-use and
// state-machine semantics are enforced here: the conditional mutations
// report whether this caller won the transition so racing requests cannot
// both succeed.
type Store interface {
	// Users (identity lookup capability; registration lives elsewhere).
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	SetUserRole(ctx context.Context, id, role string) error

	// Sessions.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// OAuth clients.
	CreateOAuthClient(ctx context.Context, c *OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error)
	ListOAuthClients(ctx context.Context, limit int) ([]*OAuthClient, error)
	SetOAuthClientActive(ctx context.Context, clientID string, active bool) error
	// DeleteOAuthClient removes the client and cascades its tokens and
	// authorizations.
	DeleteOAuthClient(ctx context.Context, clientID string) error

	// Consent grants, at most one row per (user, client).
	UpsertAuthorization(ctx context.Context, a *OAuthAuthorization) error
	GetAuthorization(ctx context.Context, userID, clientID string) (*OAuthAuthorization, error)

	// OAuth tokens (codes and access/refresh pairs).
	CreateToken(ctx context.Context, t *OAuthToken) error
	GetTokenByAccess(ctx context.Context, value string) (*OAuthToken, error)
	GetTokenByRefresh(ctx context.Context, value string) (*OAuthToken, error)
	// DeleteToken reports whether this call removed the row. Redemption and
	// rotation use the result as the race gate: only the winner mints.
	DeleteToken(ctx context.Context, id string) (bool, error)
	ListTokens(ctx context.Context, limit int) ([]*OAuthToken, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// QR login tokens. The three transitions are compare-and-swap updates
	// keyed on the current status; each reports whether it took effect.
	CreateQRToken(ctx context.Context, t *QRToken) error
	GetQRToken(ctx context.Context, token string) (*QRToken, error)
	ConfirmQRToken(ctx context.Context, id, userID string) (bool, error)
	ConsumeQRToken(ctx context.Context, id string) (bool, error)
	ExpireQRToken(ctx context.Context, id string) (bool, error)
	// DeleteQRTokens removes rows that are expired or used as of now, plus
	// anything created before cutoff regardless of state.
	DeleteQRTokens(ctx context.Context, now, cutoff time.Time) (int64, error)

	// API keys.
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, limit int) ([]*APIKey, error)

	// Close releases database resources.
	Close() error
}
