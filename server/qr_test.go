package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestQR(t *testing.T, ttl time.Duration) (*QRService, *SessionManager, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Sessions.Secret = "test-session-secret"
	sessions := NewSessionManager(cfg, store, testLogger())
	svc := NewQRService(store, sessions, testLogger(), QRConfig{
		Secret:    "qr-test-secret",
		TTL:       ttl,
		Retention: time.Hour,
	}, "http://idp.test")
	return svc, sessions, store
}

func TestQRHappyPathRedeemsExactlyOnce(t *testing.T) {
	svc, sessions, store := newTestQR(t, time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "203.0.113.9", "browser")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if init.Token == "" || init.Signature == "" || init.Nonce == "" {
		t.Fatalf("incomplete init result: %+v", init)
	}
	if !strings.HasPrefix(init.QRData, "http://idp.test/qr/confirm?") {
		t.Fatalf("qr data URL mismatch: %q", init.QRData)
	}

	status, err := svc.Status(ctx, init.Token)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != QRStatusPending {
		t.Fatalf("status before confirm: got %q want %q", status.Status, QRStatusPending)
	}

	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	status, err = svc.Status(ctx, init.Token)
	if err != nil {
		t.Fatalf("Status after confirm: %v", err)
	}
	if status.Status != QRStatusConfirmed {
		t.Fatalf("status after confirm: got %q want %q", status.Status, QRStatusConfirmed)
	}

	sess, token, loggedIn, err := svc.Login(ctx, init.Token, init.Nonce, "198.51.100.7", "phone")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("logged-in user mismatch: got %q want %q", loggedIn.ID, user.ID)
	}
	verified, err := sessions.Verify(ctx, token)
	if err != nil {
		t.Fatalf("session token does not verify: %v", err)
	}
	if verified.ID != sess.ID || verified.UserID != user.ID {
		t.Fatalf("verified session mismatch: %+v", verified)
	}

	status, err = svc.Status(ctx, init.Token)
	if err != nil {
		t.Fatalf("Status after login: %v", err)
	}
	if status.Status != QRStatusUsed {
		t.Fatalf("status after login: got %q want %q", status.Status, QRStatusUsed)
	}

	// The handshake is spent; a second redemption with the correct nonce fails.
	if _, _, _, err := svc.Login(ctx, init.Token, init.Nonce, "", ""); !errors.Is(err, ErrQRConflict) {
		t.Fatalf("second login: got %v want %v", err, ErrQRConflict)
	}
}

func TestQRConfirmRejectsBadSignature(t *testing.T) {
	svc, _, store := newTestQR(t, time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := svc.Confirm(ctx, init.Token, "deadbeef", user.ID); !errors.Is(err, ErrQRSignature) {
		t.Fatalf("bad signature: got %v want %v", err, ErrQRSignature)
	}
	// The failed confirm must not advance the state machine.
	status, err := svc.Status(ctx, init.Token)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != QRStatusPending {
		t.Fatalf("status after rejected confirm: got %q", status.Status)
	}
}

func TestQRDoubleConfirm(t *testing.T) {
	svc, _, store := newTestQR(t, time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); !errors.Is(err, ErrQRConflict) {
		t.Fatalf("second confirm: got %v want %v", err, ErrQRConflict)
	}
}

func TestQRLoginRequiresPrivateNonce(t *testing.T) {
	svc, _, store := newTestQR(t, time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Wrong nonce fails in every state, including before confirmation.
	if _, _, _, err := svc.Login(ctx, init.Token, "guessed", "", ""); !errors.Is(err, ErrQRNonce) {
		t.Fatalf("pending wrong nonce: got %v want %v", err, ErrQRNonce)
	}

	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, _, _, err := svc.Login(ctx, init.Token, "guessed", "", ""); !errors.Is(err, ErrQRNonce) {
		t.Fatalf("confirmed wrong nonce: got %v want %v", err, ErrQRNonce)
	}

	// A failed nonce attempt does not consume the token.
	if _, _, _, err := svc.Login(ctx, init.Token, init.Nonce, "", ""); err != nil {
		t.Fatalf("login with real nonce after failed guesses: %v", err)
	}
}

func TestQRLoginBeforeConfirm(t *testing.T) {
	svc, _, _ := newTestQR(t, time.Minute)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, _, _, err := svc.Login(ctx, init.Token, init.Nonce, "", ""); !errors.Is(err, ErrQRConflict) {
		t.Fatalf("login on pending token: got %v want %v", err, ErrQRConflict)
	}
}

func TestQRLazyExpiry(t *testing.T) {
	svc, _, store := newTestQR(t, -time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// The first read past the deadline flips the row to expired.
	status, err := svc.Status(ctx, init.Token)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != QRStatusExpired {
		t.Fatalf("overdue status: got %q want %q", status.Status, QRStatusExpired)
	}

	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); !errors.Is(err, ErrQRExpired) {
		t.Fatalf("confirm overdue: got %v want %v", err, ErrQRExpired)
	}
	if _, _, _, err := svc.Login(ctx, init.Token, init.Nonce, "", ""); !errors.Is(err, ErrQRExpired) {
		t.Fatalf("login overdue: got %v want %v", err, ErrQRExpired)
	}
}

func TestQRUnknownToken(t *testing.T) {
	svc, _, _ := newTestQR(t, time.Minute)
	ctx := context.Background()

	if _, err := svc.Status(ctx, "missing"); !errors.Is(err, ErrQRNotFound) {
		t.Fatalf("status: got %v want %v", err, ErrQRNotFound)
	}
	if err := svc.Confirm(ctx, "missing", "sig", "u"); !errors.Is(err, ErrQRNotFound) {
		t.Fatalf("confirm: got %v want %v", err, ErrQRNotFound)
	}
	if _, _, _, err := svc.Login(ctx, "missing", "nonce", "", ""); !errors.Is(err, ErrQRNotFound) {
		t.Fatalf("login: got %v want %v", err, ErrQRNotFound)
	}
}

func TestQRCleanupSweepsSpentTokens(t *testing.T) {
	svc, _, store := newTestQR(t, time.Minute)
	user := seedTestUser(t, store)
	ctx := context.Background()

	init, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := svc.Confirm(ctx, init.Token, init.Signature, user.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, _, _, err := svc.Login(ctx, init.Token, init.Nonce, "", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}

	live, err := svc.Init(ctx, "", "")
	if err != nil {
		t.Fatalf("Init live: %v", err)
	}

	n, err := svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleanup count: got %d want 1", n)
	}

	if _, err := svc.Status(ctx, init.Token); !errors.Is(err, ErrQRNotFound) {
		t.Fatalf("used token should be deleted, got %v", err)
	}
	if _, err := svc.Status(ctx, live.Token); err != nil {
		t.Fatalf("live token swept by cleanup: %v", err)
	}
}
