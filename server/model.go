package server

import "time"

// User is the identity record this server consults; registration and
// password management live elsewhere.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Image         string    `json:"image,omitempty"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session is a server-side session minted at QR login completion. Ordinary
// password-login sessions are owned by the external session module but share
// this table and signing secret.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OAuthClient records a registered relying application. Tokens and codes may
// only be issued against an active client whose redirect URI set contains the
// exact requested URI and whose scope set covers every requested scope.
type OAuthClient struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	SecretHash   string    `json:"-"`
	Name         string    `json:"name"`
	LogoURL      string    `json:"logo_url,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	Active       bool      `json:"active"`
	OwnerUserID  string    `json:"owner_user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// OAuthAuthorization is a consent grant, at most one per (user, client).
// Re-approval replaces the scopes and refreshes the expiry; it is not a union.
type OAuthAuthorization struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OAuthToken is the single row type backing both authorization codes and
// access/refresh pairs. A code row carries the code value in AccessToken
// with an empty RefreshToken; a pair row carries both values. Rows are
// deleted wholesale on redemption and rotation.
type OAuthToken struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scopes       []string  `json:"scopes"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsCode reports whether the row is an authorization code.
func (t *OAuthToken) IsCode() bool { return t.RefreshToken == "" }

// QRStatus is the lifecycle state of a QR login token. Transitions are
// strictly forward-only; there is no way out of used or expired.
type QRStatus string

const (
	QRStatusPending   QRStatus = "pending"
	QRStatusConfirmed QRStatus = "confirmed"
	QRStatusUsed      QRStatus = "used"
	QRStatusExpired   QRStatus = "expired"
)

// QRToken tracks one cross-device login handshake. Token is the public
// identifier rendered into the QR image; Nonce is the private browser-bound
// secret that never leaves the initiating device until login.
type QRToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Nonce     string    `json:"-"`
	Status    QRStatus  `json:"status"`
	UserID    string    `json:"-"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIKey grants a backend access to the management APIs. Only the hash and a
// display prefix are stored; the full key is returned once at creation.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Prefix    string     `json:"prefix"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
