package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// CrossAppIdentity is the projection a verified handoff token resolves to.
type CrossAppIdentity struct {
	UserID string `json:"user_id"`
	AppID  string `json:"app_id"`
}

type crossAppClaims struct {
	UserID    string `json:"user_id"`
	AppID     string `json:"app_id"`
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"nonce"`
}

// CrossAppService issues and verifies short-lived SSO handoff tokens: a
// compact JWE (direct A256GCM) over the user/app pair. Validity is a pure
// elapsed-time check at verification; single use is deliberately not
// enforced, this is a handoff hint rather than a replay-critical grant.
type CrossAppService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCrossAppService constructs the issuer/verifier from a distinct 32-byte
// key.
func NewCrossAppService(key []byte, ttl time.Duration) (*CrossAppService, error) {
	if len(key) != 32 {
		return nil, errors.New("cross-app key must be 32 bytes")
	}
	return &CrossAppService{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue mints a handoff token binding userID to appID.
func (s *CrossAppService) Issue(userID, appID string) (string, error) {
	if userID == "" || appID == "" {
		return "", errors.New("user_id and app_id required")
	}
	nonce, err := randomToken(16)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(crossAppClaims{
		UserID:    userID,
		AppID:     appID,
		Timestamp: s.now().Unix(),
		Nonce:     nonce,
	})
	if err != nil {
		return "", err
	}

	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return "", err
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// Verify decrypts and validates a handoff token. Any failure at all, bad
// serialization, wrong key, malformed claims, or an elapsed lifetime, yields
// nil.
func (s *CrossAppService) Verify(token string) *CrossAppIdentity {
	obj, err := jose.ParseEncrypted(token)
	if err != nil {
		return nil
	}
	plaintext, err := obj.Decrypt(s.key)
	if err != nil {
		return nil
	}

	var claims crossAppClaims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return nil
	}
	if claims.UserID == "" || claims.AppID == "" || claims.Timestamp <= 0 {
		return nil
	}
	elapsed := s.now().Sub(time.Unix(claims.Timestamp, 0))
	if elapsed < 0 || elapsed > s.ttl {
		return nil
	}
	return &CrossAppIdentity{UserID: claims.UserID, AppID: claims.AppID}
}
