package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Sessions *SessionManager
	Auth     *AuthService
	QR       *QRService
	Control  *ControlChannel
	CrossApp *CrossAppService

	controlSecret []byte
	masterKey     []byte
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if cfg.Server.DevMode {
		fillDevSecrets(&cfg, logger)
	}

	store, err := NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	encKey, err := DecodeKey(cfg.Control.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("control.encryption_key: %w", err)
	}
	hmacKey, err := DecodeKey(cfg.Control.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("control.hmac_key: %w", err)
	}
	crossAppKey, err := DecodeKey(cfg.CrossApp.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cross_app.encryption_key: %w", err)
	}

	crypto, err := NewEnvelopeCrypto(encKey, hmacKey)
	if err != nil {
		return nil, err
	}
	crossApp, err := NewCrossAppService(crossAppKey, cfg.CrossApp.TTL)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionManager(cfg, store, logger)
	ledger := NewNonceLedger(cfg.Control.NonceTTL)

	app := &App{
		Config:        cfg,
		Logger:        logger,
		Store:         store,
		Sessions:      sessions,
		Auth:          NewAuthService(store, logger, cfg.OAuth),
		QR:            NewQRService(store, sessions, logger, cfg.QR, strings.TrimSuffix(cfg.Server.PublicURL, "/")),
		Control:       NewControlChannel(crypto, ledger, store, logger, cfg.Control.MaxSkew),
		CrossApp:      crossApp,
		controlSecret: []byte(cfg.Control.SharedSecret),
		masterKey:     []byte(cfg.CrossApp.MasterKey),
	}

	if err := app.seed(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return app, nil
}

// fillDevSecrets generates throwaway secrets so a bare dev config boots.
func fillDevSecrets(cfg *Config, logger *slog.Logger) {
	fill := func(name string, dst *string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		v, err := randomToken(32) // 32 raw bytes, base64url; DecodeKey-compatible
		if err != nil {
			return
		}
		*dst = v
		logger.Warn("generated dev secret, do not use in production", "field", name)
	}
	fill("sessions.secret", &cfg.Sessions.Secret)
	fill("qr.secret", &cfg.QR.Secret)
	fill("control.shared_secret", &cfg.Control.SharedSecret)
	fill("cross_app.master_key", &cfg.CrossApp.MasterKey)
	fill("control.encryption_key", &cfg.Control.EncryptionKey)
	fill("control.hmac_key", &cfg.Control.HMACKey)
	fill("cross_app.encryption_key", &cfg.CrossApp.EncryptionKey)
}

// seed provisions configured users and clients when missing.
func (a *App) seed(ctx context.Context) error {
	for _, su := range a.Config.Seed.Users {
		// Seeds run every boot; presence is keyed on the ID when given and
		// on the email otherwise.
		if su.ID != "" {
			if _, err := a.Store.GetUser(ctx, su.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		} else {
			if _, err := a.Store.GetUserByEmail(ctx, su.Email); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			su.ID = newID()
		}
		role := su.Role
		if role == "" {
			role = "user"
		}
		user := &User{
			ID:            su.ID,
			Email:         su.Email,
			Name:          su.Name,
			Image:         su.Image,
			Role:          role,
			EmailVerified: su.EmailVerified,
			CreatedAt:     time.Now(),
		}
		if err := a.Store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", su.Email, err)
		}
	}

	for _, sc := range a.Config.Seed.Clients {
		if _, err := a.Store.GetOAuthClient(ctx, sc.ClientID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(sc.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		client := &OAuthClient{
			ID:           newID(),
			ClientID:     sc.ClientID,
			SecretHash:   string(hash),
			Name:         sc.Name,
			RedirectURIs: sc.RedirectURIs,
			Scopes:       sc.Scopes,
			Active:       true,
			OwnerUserID:  sc.OwnerUserID,
			CreatedAt:    time.Now(),
		}
		if err := a.Store.CreateOAuthClient(ctx, client); err != nil {
			return fmt.Errorf("seed client %s: %w", sc.ClientID, err)
		}
		a.Logger.Info("seeded oauth client", "client_id", sc.ClientID)
	}
	return nil
}

// StartCleanup runs the periodic sweep until stop is closed. The sweep is
// idempotent and safe to skip, so errors are logged and the loop keeps going.
func (a *App) StartCleanup(stop <-chan struct{}) {
	interval := a.Config.Server.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := a.QR.Cleanup(ctx); err != nil {
					a.Logger.Error("qr cleanup", "error", err)
				}
				if n, err := a.Store.DeleteExpiredTokens(ctx, time.Now()); err != nil {
					a.Logger.Error("token cleanup", "error", err)
				} else if n > 0 {
					a.Logger.Info("token cleanup", "deleted", n)
				}
				cancel()
			}
		}
	}()
}

// Close releases application resources.
func (a *App) Close() error { return a.Store.Close() }

// --- OAuth2 endpoints ---

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "login_required"})
		return
	}

	q := r.URL.Query()
	scopes := strings.Fields(q.Get("scope"))
	forceConsent := q.Get("prompt") == "consent"

	decision, err := a.Auth.BeginAuthorization(r.Context(), sess.UserID,
		q.Get("client_id"), q.Get("redirect_uri"), scopes, q.Get("state"), forceConsent)
	if err != nil {
		a.writeOAuthError(w, err)
		return
	}

	if decision.ConsentRequired {
		writeJSON(w, map[string]any{
			"consent_required": true,
			"client": map[string]string{
				"client_id": decision.Client.ClientID,
				"name":      decision.Client.Name,
				"logo_url":  decision.Client.LogoURL,
			},
			"scopes":       decision.Scopes,
			"redirect_uri": q.Get("redirect_uri"),
			"state":        q.Get("state"),
		})
		return
	}
	http.Redirect(w, r, decision.RedirectURI, http.StatusFound)
}

type consentRequest struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	State       string `json:"state"`
	Action      string `json:"action"`
}

func (a *App) handleAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "login_required"})
		return
	}

	var req consentRequest
	wantsJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if wantsJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": ErrCodeInvalidRequest})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": ErrCodeInvalidRequest})
			return
		}
		req = consentRequest{
			ClientID:    r.FormValue("client_id"),
			RedirectURI: r.FormValue("redirect_uri"),
			Scope:       r.FormValue("scope"),
			State:       r.FormValue("state"),
			Action:      r.FormValue("action"),
		}
	}

	approved := req.Action == "approve"
	decision, err := a.Auth.CompleteConsent(r.Context(), sess.UserID,
		req.ClientID, req.RedirectURI, strings.Fields(req.Scope), approved, req.State)
	if err != nil {
		a.writeOAuthError(w, err)
		return
	}

	if wantsJSON {
		writeJSON(w, map[string]string{"redirect_uri": decision.RedirectURI})
		return
	}
	http.Redirect(w, r, decision.RedirectURI, http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": ErrCodeInvalidRequest})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	var (
		tokens *TokenResponse
		err    error
	)
	switch r.FormValue("grant_type") {
	case "authorization_code":
		tokens, err = a.Auth.ExchangeCode(r.Context(), clientID, clientSecret, r.FormValue("code"))
	case "refresh_token":
		tokens, err = a.Auth.RefreshToken(r.Context(), clientID, clientSecret, r.FormValue("refresh_token"))
	default:
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": ErrCodeUnsupportedGrantType})
		return
	}
	if err != nil {
		a.writeOAuthError(w, err)
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	claims, err := a.Auth.UserInfo(r.Context(), token)
	if err != nil {
		a.writeOAuthError(w, err)
		return
	}
	writeJSON(w, claims)
}

// --- QR login endpoints ---

func (a *App) handleQRInit(w http.ResponseWriter, r *http.Request) {
	result, err := a.QR.Init(r.Context(), clientIP(r), r.UserAgent())
	if err != nil {
		a.Logger.Error("qr init", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, result)
}

func (a *App) handleQRConfirm(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "login_required"})
		return
	}

	var req struct {
		Token     string `json:"token"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.Signature == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "token and signature required"})
		return
	}

	if err := a.QR.Confirm(r.Context(), req.Token, req.Signature, sess.UserID); err != nil {
		a.writeQRError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (a *App) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "token required"})
		return
	}
	result, err := a.QR.Status(r.Context(), token)
	if err != nil {
		a.writeQRError(w, err)
		return
	}
	writeJSON(w, result)
}

func (a *App) handleQRLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.Nonce == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "token and nonce required"})
		return
	}

	_, sessToken, user, err := a.QR.Login(r.Context(), req.Token, req.Nonce, clientIP(r), r.UserAgent())
	if err != nil {
		a.writeQRError(w, err)
		return
	}

	a.Sessions.SetCookie(w, sessToken)
	writeJSON(w, map[string]any{
		"success":       true,
		"session_token": sessToken,
		"user": map[string]any{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
		},
	})
}

func (a *App) handleQRCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := a.QR.Cleanup(r.Context())
	if err != nil {
		a.Logger.Error("qr cleanup", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, map[string]int64{"deleted": n})
}

// --- Control channel ---

func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Control-Secret")
	if len(a.controlSecret) == 0 ||
		subtle.ConstantTimeCompare([]byte(secret), a.controlSecret) != 1 {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	resp, err := a.Control.Handle(r.Context(), &env)
	if err != nil {
		if errors.Is(err, ErrInvalidEnvelope) {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		a.Logger.Error("control channel", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, resp)
}

// --- Cross-app endpoints ---

func (a *App) handleCrossAppAuth(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Master-Key")
	if len(a.masterKey) == 0 ||
		subtle.ConstantTimeCompare([]byte(key), a.masterKey) != 1 {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		UserID string `json:"user_id"`
		AppID  string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.AppID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "user_id and app_id required"})
		return
	}

	token, err := a.CrossApp.Issue(req.UserID, req.AppID)
	if err != nil {
		a.Logger.Error("cross-app issue", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (a *App) handleCrossAppVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "token required"})
		return
	}

	identity := a.CrossApp.Verify(req.Token)
	if identity == nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"valid": false})
		return
	}
	writeJSON(w, map[string]any{
		"valid":   true,
		"user_id": identity.UserID,
		"app_id":  identity.AppID,
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- helpers ---

func (a *App) writeOAuthError(w http.ResponseWriter, err error) {
	oe := AsOAuthError(err)
	if oe.Code == ErrCodeServerError {
		a.Logger.Error("oauth internal error", "error", err)
	}
	writeJSONStatus(w, statusForOAuthError(oe.Code), oe)
}

func (a *App) writeQRError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrQRNotFound):
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown token"})
	case errors.Is(err, ErrQRExpired):
		writeJSONStatus(w, http.StatusGone, map[string]string{"error": "expired"})
	case errors.Is(err, ErrQRConflict):
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "already used"})
	case errors.Is(err, ErrQRSignature), errors.Is(err, ErrQRNonce):
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	default:
		a.Logger.Error("qr internal error", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func statusForOAuthError(code string) int {
	switch code {
	case ErrCodeInvalidClient, ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
