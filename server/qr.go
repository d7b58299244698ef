package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// QR login errors. Conflict and expiry deliberately read the same whether the
// cause was an attacker or a benign race.
var (
	ErrQRNotFound  = errors.New("qr token not found")
	ErrQRExpired   = errors.New("qr token expired")
	ErrQRConflict  = errors.New("qr token already used")
	ErrQRSignature = errors.New("qr signature mismatch")
	ErrQRNonce     = errors.New("qr nonce mismatch")
)

// QRInitResult is handed to the initiating browser. Nonce stays in that
// browser's memory and is never sent to the polling endpoint.
type QRInitResult struct {
	Token     string    `json:"token"`
	Signature string    `json:"signature"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
	QRData    string    `json:"qrData"`
}

// QRStatusResult is the coarse view exposed to the unauthenticated poller.
type QRStatusResult struct {
	Status    QRStatus   `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// QRService runs the cross-device login handshake: a pending token is
// rendered as a QR code, confirmed by an authenticated device, then redeemed
// once by the initiating browser. Two secrets split the trust: the HMAC
// signature proves the confirmer scanned an untampered code, the nonce
// proves the redeemer is the browser that started the flow.
type QRService struct {
	store     Store
	sessions  *SessionManager
	logger    *slog.Logger
	secret    []byte
	publicURL string
	ttl       time.Duration
	retention time.Duration
}

// NewQRService constructs the QR login service.
func NewQRService(store Store, sessions *SessionManager, logger *slog.Logger, cfg QRConfig, publicURL string) *QRService {
	return &QRService{
		store:     store,
		sessions:  sessions,
		logger:    logger,
		secret:    []byte(cfg.Secret),
		publicURL: publicURL,
		ttl:       cfg.TTL,
		retention: cfg.Retention,
	}
}

// Init starts a handshake: random public token, random private nonce, and a
// signature binding token and expiry so Confirm can authenticate the QR
// payload without trusting the caller.
func (q *QRService) Init(ctx context.Context, ip, userAgent string) (*QRInitResult, error) {
	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	row := &QRToken{
		ID:        newID(),
		Token:     token,
		Nonce:     nonce,
		Status:    QRStatusPending,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
	}
	if err := q.store.CreateQRToken(ctx, row); err != nil {
		return nil, err
	}

	sig := q.sign(token, row.ExpiresAt)
	return &QRInitResult{
		Token:     token,
		Signature: sig,
		Nonce:     nonce,
		ExpiresAt: row.ExpiresAt,
		QRData:    q.qrData(token, sig),
	}, nil
}

// Confirm binds an authenticated user to a pending token. The transition is
// a compare-and-swap keyed on status so two confirmers, or a confirm racing
// the expiry sweep, cannot both win.
func (q *QRService) Confirm(ctx context.Context, token, signature, userID string) error {
	row, err := q.fetchLive(ctx, token)
	if err != nil {
		return err
	}

	expected := q.sign(row.Token, row.ExpiresAt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrQRSignature
	}
	if row.Status != QRStatusPending {
		return ErrQRConflict
	}

	won, err := q.store.ConfirmQRToken(ctx, row.ID, userID)
	if err != nil {
		return err
	}
	if !won {
		return ErrQRConflict
	}
	q.logger.Info("qr login confirmed", "token_id", row.ID)
	return nil
}

// Status reports the coarse state for the polling device. The bound user is
// never revealed here. Overdue pending rows flip to expired lazily.
func (q *QRService) Status(ctx context.Context, token string) (*QRStatusResult, error) {
	row, err := q.store.GetQRToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrQRNotFound
		}
		return nil, err
	}

	if row.Status != QRStatusUsed && row.Status != QRStatusExpired && time.Now().After(row.ExpiresAt) {
		if _, err := q.store.ExpireQRToken(ctx, row.ID); err != nil {
			return nil, err
		}
		return &QRStatusResult{Status: QRStatusExpired}, nil
	}
	if row.Status == QRStatusExpired || row.Status == QRStatusUsed {
		return &QRStatusResult{Status: row.Status}, nil
	}
	expires := row.ExpiresAt
	return &QRStatusResult{Status: row.Status, ExpiresAt: &expires}, nil
}

// Login redeems a confirmed token. The caller must present the private nonce
// from Init, proving it is the browser that started the flow and not an
// onlooker who saw the rendered QR code. The confirmed→used transition is a
// compare-and-swap, so a captured token cannot produce a second session.
func (q *QRService) Login(ctx context.Context, token, nonce, ip, userAgent string) (*Session, string, *User, error) {
	row, err := q.fetchLive(ctx, token)
	if err != nil {
		return nil, "", nil, err
	}

	if subtle.ConstantTimeCompare([]byte(row.Nonce), []byte(nonce)) != 1 {
		return nil, "", nil, ErrQRNonce
	}
	if row.Status != QRStatusConfirmed {
		return nil, "", nil, ErrQRConflict
	}

	won, err := q.store.ConsumeQRToken(ctx, row.ID)
	if err != nil {
		return nil, "", nil, err
	}
	if !won {
		return nil, "", nil, ErrQRConflict
	}

	user, err := q.store.GetUser(ctx, row.UserID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("load confirmed user: %w", err)
	}

	sess, sessToken, err := q.sessions.Mint(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, "", nil, err
	}
	q.logger.Info("qr login completed", "token_id", row.ID)
	return sess, sessToken, user, nil
}

// Cleanup sweeps expired and used rows plus anything older than the
// retention window. Idempotent and safe to run concurrently with the lazy
// read-time transitions.
func (q *QRService) Cleanup(ctx context.Context) (int64, error) {
	now := time.Now()
	n, err := q.store.DeleteQRTokens(ctx, now, now.Add(-q.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("qr cleanup", "deleted", n)
	}
	return n, nil
}

// fetchLive loads a row and applies the lazy expiry transition, returning
// ErrQRExpired for anything past its deadline.
func (q *QRService) fetchLive(ctx context.Context, token string) (*QRToken, error) {
	row, err := q.store.GetQRToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrQRNotFound
		}
		return nil, err
	}
	if row.Status == QRStatusExpired {
		return nil, ErrQRExpired
	}
	if row.Status != QRStatusUsed && time.Now().After(row.ExpiresAt) {
		if _, err := q.store.ExpireQRToken(ctx, row.ID); err != nil {
			return nil, err
		}
		return nil, ErrQRExpired
	}
	return row, nil
}

// sign computes the hex HMAC-SHA256 over the canonical token/expiry string.
func (q *QRService) sign(token string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, q.secret)
	mac.Write([]byte(token + "." + strconv.FormatInt(expiresAt.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (q *QRService) qrData(token, signature string) string {
	return fmt.Sprintf("%s/qr/confirm?token=%s&signature=%s",
		q.publicURL, url.QueryEscape(token), url.QueryEscape(signature))
}
