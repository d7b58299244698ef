package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		email          TEXT UNIQUE NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		image          TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'user',
		email_verified INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		ip         TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		id            TEXT PRIMARY KEY,
		client_id     TEXT UNIQUE NOT NULL,
		secret_hash   TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		logo_url      TEXT NOT NULL DEFAULT '',
		redirect_uris TEXT NOT NULL DEFAULT '[]',
		scopes        TEXT NOT NULL DEFAULT '[]',
		active        INTEGER NOT NULL DEFAULT 1,
		owner_user_id TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_authorizations (
		user_id    TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		scopes     TEXT NOT NULL DEFAULT '[]',
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id            TEXT PRIMARY KEY,
		client_id     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		scopes        TEXT NOT NULL DEFAULT '[]',
		access_token  TEXT UNIQUE NOT NULL,
		refresh_token TEXT UNIQUE,
		expires_at    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS qr_tokens (
		id         TEXT PRIMARY KEY,
		token      TEXT UNIQUE NOT NULL,
		nonce      TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		user_id    TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT UNIQUE NOT NULL,
		prefix     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. Pass ":memory:" for an ephemeral database (used in tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func encodeStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(v string) []string {
	var ss []string
	_ = json.Unmarshal([]byte(v), &ss)
	return ss
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, image, role, email_verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Image, u.Role, boolToInt(u.EmailVerified), encodeTime(u.CreatedAt))
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, image, role, email_verified, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, image, role, email_verified, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, image, role, email_verified, created_at
		 FROM users ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) SetUserRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var verified int
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Role, &verified, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.EmailVerified = verified != 0
	u.CreatedAt = decodeTime(created)
	return &u, nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, ip, user_agent, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.IP, sess.UserAgent,
		encodeTime(sess.CreatedAt), encodeTime(sess.ExpiresAt))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, ip, user_agent, created_at, expires_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, ip, user_agent, created_at, expires_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var created, expires string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.IP, &sess.UserAgent, &created, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.CreatedAt = decodeTime(created)
	sess.ExpiresAt = decodeTime(expires)
	return &sess, nil
}

// --- OAuth clients ---

func (s *SQLiteStore) CreateOAuthClient(ctx context.Context, c *OAuthClient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (id, client_id, secret_hash, name, logo_url, redirect_uris, scopes, active, owner_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.SecretHash, c.Name, c.LogoURL,
		encodeStrings(c.RedirectURIs), encodeStrings(c.Scopes),
		boolToInt(c.Active), c.OwnerUserID, encodeTime(c.CreatedAt))
	return err
}

func (s *SQLiteStore) GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, secret_hash, name, logo_url, redirect_uris, scopes, active, owner_user_id, created_at
		 FROM oauth_clients WHERE client_id = ?`, clientID)
	return scanOAuthClient(row)
}

func (s *SQLiteStore) ListOAuthClients(ctx context.Context, limit int) ([]*OAuthClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, secret_hash, name, logo_url, redirect_uris, scopes, active, owner_user_id, created_at
		 FROM oauth_clients ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var clients []*OAuthClient
	for rows.Next() {
		c, err := scanOAuthClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *SQLiteStore) SetOAuthClientActive(ctx context.Context, clientID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_clients SET active = ? WHERE client_id = ?`, boolToInt(active), clientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteOAuthClient(ctx context.Context, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_authorizations WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanOAuthClient(row rowScanner) (*OAuthClient, error) {
	var c OAuthClient
	var uris, scopes, created string
	var active int
	if err := row.Scan(&c.ID, &c.ClientID, &c.SecretHash, &c.Name, &c.LogoURL,
		&uris, &scopes, &active, &c.OwnerUserID, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.RedirectURIs = decodeStrings(uris)
	c.Scopes = decodeStrings(scopes)
	c.Active = active != 0
	c.CreatedAt = decodeTime(created)
	return &c, nil
}

// --- Authorizations ---

func (s *SQLiteStore) UpsertAuthorization(ctx context.Context, a *OAuthAuthorization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_authorizations (user_id, client_id, scopes, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, client_id) DO UPDATE SET
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		a.UserID, a.ClientID, encodeStrings(a.Scopes),
		encodeTime(a.ExpiresAt), encodeTime(a.CreatedAt), encodeTime(a.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetAuthorization(ctx context.Context, userID, clientID string) (*OAuthAuthorization, error) {
	var a OAuthAuthorization
	var scopes, expires, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, client_id, scopes, expires_at, created_at, updated_at
		 FROM oauth_authorizations WHERE user_id = ? AND client_id = ?`, userID, clientID).
		Scan(&a.UserID, &a.ClientID, &scopes, &expires, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Scopes = decodeStrings(scopes)
	a.ExpiresAt = decodeTime(expires)
	a.CreatedAt = decodeTime(created)
	a.UpdatedAt = decodeTime(updated)
	return &a, nil
}

// --- OAuth tokens ---

func (s *SQLiteStore) CreateToken(ctx context.Context, t *OAuthToken) error {
	refresh := sql.NullString{String: t.RefreshToken, Valid: t.RefreshToken != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (id, client_id, user_id, scopes, access_token, refresh_token, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.UserID, encodeStrings(t.Scopes),
		t.AccessToken, refresh, encodeTime(t.ExpiresAt), encodeTime(t.CreatedAt))
	return err
}

func (s *SQLiteStore) GetTokenByAccess(ctx context.Context, value string) (*OAuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, user_id, scopes, access_token, refresh_token, expires_at, created_at
		 FROM oauth_tokens WHERE access_token = ?`, value)
	return scanToken(row)
}

func (s *SQLiteStore) GetTokenByRefresh(ctx context.Context, value string) (*OAuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, user_id, scopes, access_token, refresh_token, expires_at, created_at
		 FROM oauth_tokens WHERE refresh_token = ?`, value)
	return scanToken(row)
}

// DeleteToken removes the row and reports whether this call won the delete.
// The affected-row count is the single-use gate for code redemption and
// refresh rotation.
func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListTokens(ctx context.Context, limit int) ([]*OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, user_id, scopes, access_token, refresh_token, expires_at, created_at
		 FROM oauth_tokens ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tokens []*OAuthToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < ?`, encodeTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(row rowScanner) (*OAuthToken, error) {
	var t OAuthToken
	var scopes, expires, created string
	var refresh sql.NullString
	if err := row.Scan(&t.ID, &t.ClientID, &t.UserID, &scopes, &t.AccessToken, &refresh, &expires, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Scopes = decodeStrings(scopes)
	t.RefreshToken = refresh.String
	t.ExpiresAt = decodeTime(expires)
	t.CreatedAt = decodeTime(created)
	return &t, nil
}

// --- QR tokens ---

func (s *SQLiteStore) CreateQRToken(ctx context.Context, t *QRToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO qr_tokens (id, token, nonce, status, user_id, ip, user_agent, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Token, t.Nonce, string(t.Status), t.UserID, t.IP, t.UserAgent,
		encodeTime(t.CreatedAt), encodeTime(t.ExpiresAt))
	return err
}

func (s *SQLiteStore) GetQRToken(ctx context.Context, token string) (*QRToken, error) {
	var t QRToken
	var status, created, expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token, nonce, status, user_id, ip, user_agent, created_at, expires_at
		 FROM qr_tokens WHERE token = ?`, token).
		Scan(&t.ID, &t.Token, &t.Nonce, &status, &t.UserID, &t.IP, &t.UserAgent, &created, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = QRStatus(status)
	t.CreatedAt = decodeTime(created)
	t.ExpiresAt = decodeTime(expires)
	return &t, nil
}

// ConfirmQRToken flips pending to confirmed and binds the user, but only if
// the row is still pending. Racing confirmers see false.
func (s *SQLiteStore) ConfirmQRToken(ctx context.Context, id, userID string) (bool, error) {
	return s.casQRStatus(ctx,
		`UPDATE qr_tokens SET status = 'confirmed', user_id = ? WHERE id = ? AND status = 'pending'`,
		userID, id)
}

// ConsumeQRToken flips confirmed to used, exactly once.
func (s *SQLiteStore) ConsumeQRToken(ctx context.Context, id string) (bool, error) {
	return s.casQRStatus(ctx,
		`UPDATE qr_tokens SET status = 'used' WHERE id = ? AND status = 'confirmed'`, id)
}

// ExpireQRToken flips a live row to expired; used and expired rows stay put.
func (s *SQLiteStore) ExpireQRToken(ctx context.Context, id string) (bool, error) {
	return s.casQRStatus(ctx,
		`UPDATE qr_tokens SET status = 'expired' WHERE id = ? AND status IN ('pending', 'confirmed')`, id)
}

func (s *SQLiteStore) casQRStatus(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteQRTokens(ctx context.Context, now, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM qr_tokens WHERE status = 'used' OR status = 'expired' OR expires_at < ? OR created_at < ?`,
		encodeTime(now), encodeTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- API keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	var lastUsed sql.NullString
	if k.LastUsed != nil {
		lastUsed = sql.NullString{String: encodeTime(*k.LastUsed), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, prefix, created_at, last_used)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, encodeTime(k.CreatedAt), lastUsed)
	return err
}

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanAPIKey(row)
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, limit int) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used
		 FROM api_keys ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var created string
	var lastUsed sql.NullString
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.CreatedAt = decodeTime(created)
	if lastUsed.Valid {
		t := decodeTime(lastUsed.String)
		k.LastUsed = &t
	}
	return &k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
