// Package authsession issues and verifies the opaque bearer session tokens
// returned by POST /auth/register and /auth/login. No session/JWT library
// appears as a direct dependency anywhere in the example corpus, so tokens
// are a small stdlib HMAC-signed construction in the same spirit as
// internal/blobstore's stdlib gap — see DESIGN.md.
package authsession

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/coreserver/internal/cryptostore"
)

var (
	ErrMalformed = errors.New("authsession: malformed token")
	ErrExpired   = errors.New("authsession: token expired")
	ErrBadSig    = errors.New("authsession: signature mismatch")
)

// Issuer signs and verifies session tokens for one configured secret.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// New derives a 32-byte signing key from secret (the operator's
// auth.encryption_key, domain-separated from credential encryption so
// rotating one never invalidates the other's material). ttl is how long an
// issued token remains valid; zero selects the 24h default.
func New(secret string, ttl time.Duration) (*Issuer, error) {
	key, err := cryptostore.DeriveKey(secret + "|session-signing")
	if err != nil {
		return nil, fmt.Errorf("authsession: derive signing key: %w", err)
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: key, ttl: ttl}, nil
}

// Issue returns a bearer token encoding userID and its expiry.
func (i *Issuer) Issue(userID string) (token string, expiresAt time.Time) {
	expiresAt = time.Now().Add(i.ttl)
	payload := userID + "|" + strconv.FormatInt(expiresAt.Unix(), 10)
	sig := i.sign(payload)
	return encode([]byte(payload)) + "." + encode(sig), expiresAt
}

// Verify returns the user id encoded in token, or an error if the token is
// malformed, unsigned by this Issuer's key, or past its expiry.
func (i *Issuer) Verify(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", ErrMalformed
	}

	payload, err := decode(parts[0])
	if err != nil {
		return "", ErrMalformed
	}
	sig, err := decode(parts[1])
	if err != nil {
		return "", ErrMalformed
	}

	if subtle.ConstantTimeCompare(sig, i.sign(string(payload))) != 1 {
		return "", ErrBadSig
	}

	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return "", ErrMalformed
	}
	expiresUnix, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	if time.Now().After(time.Unix(expiresUnix, 0)) {
		return "", ErrExpired
	}

	return fields[0], nil
}

func (i *Issuer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func encode(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
func decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
