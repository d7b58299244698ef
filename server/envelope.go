package server

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	envelopeIVSize  = 12
	envelopeTagSize = 16
)

// Envelope is the authenticated-encrypted wire format of the control
// channel. The signature covers the metadata, not the plaintext, so a
// tampered envelope is rejected before any decryption is attempted.
type Envelope struct {
	Timestamp  string `json:"timestamp"`
	Nonce      string `json:"nonce"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
}

// EnvelopeCrypto provides the symmetric primitives behind the control
// channel: AES-256-GCM for the payload and an independent HMAC-SHA256 over
// the canonical envelope string. It holds keys only; all state (nonce
// tracking) lives elsewhere.
type EnvelopeCrypto struct {
	aead    cipher.AEAD
	hmacKey []byte
}

// NewEnvelopeCrypto builds the primitive from a 32-byte encryption key and
// an HMAC key.
func NewEnvelopeCrypto(encKey, hmacKey []byte) (*EnvelopeCrypto, error) {
	if len(encKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	if len(hmacKey) == 0 {
		return nil, errors.New("hmac key required")
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EnvelopeCrypto{aead: aead, hmacKey: hmacKey}, nil
}

// Seal encrypts plaintext into an envelope carrying the given nonce.
// Responses reuse the caller's nonce so the two legs of an exchange stay
// linkable for audit; the fresh IV, ciphertext, and timestamp keep the
// result distinct from the inbound envelope.
func (c *EnvelopeCrypto) Seal(plaintext []byte, nonce string, now time.Time) (*Envelope, error) {
	iv := make([]byte, envelopeIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	if len(sealed) < envelopeTagSize {
		return nil, errors.New("short gcm output")
	}
	ct := sealed[:len(sealed)-envelopeTagSize]
	tag := sealed[len(sealed)-envelopeTagSize:]

	env := &Envelope{
		Timestamp:  strconv.FormatInt(now.Unix(), 10),
		Nonce:      nonce,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	env.Signature = c.Sign(env)
	return env, nil
}

// Open decrypts an envelope. The caller is expected to have verified the
// signature first; the GCM tag still guards the payload itself.
func (c *EnvelopeCrypto) Open(env *Envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != envelopeIVSize {
		return nil, errors.New("bad iv")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != envelopeTagSize {
		return nil, errors.New("bad tag")
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errors.New("bad ciphertext")
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, errors.New("decrypt failed")
	}
	return plaintext, nil
}

// Sign computes the hex HMAC-SHA256 signature over the canonical string.
func (c *EnvelopeCrypto) Sign(env *Envelope) string {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(canonicalEnvelope(env)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC and compares in constant time.
func (c *EnvelopeCrypto) VerifySignature(env *Envelope) bool {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(canonicalEnvelope(env)))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// canonicalEnvelope is the dot-joined metadata string the signature covers,
// in this exact field order.
func canonicalEnvelope(env *Envelope) string {
	return strings.Join([]string{env.Timestamp, env.Nonce, env.IV, env.Tag, env.Ciphertext}, ".")
}
