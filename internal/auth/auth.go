// Package auth validates the operator shared secret.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync/atomic"
)

// HeaderName carries the shared secret on management requests.
const HeaderName = "X-API-Key"

// Authenticator holds the current shared secret. The secret can be replaced
// at runtime, for example when the config file changes.
type Authenticator struct {
	keyHash atomic.Pointer[[sha256.Size]byte]
}

// NewAuthenticator creates an authenticator for key.
func NewAuthenticator(key string) *Authenticator {
	a := &Authenticator{}
	a.SetKey(key)
	return a
}

// SetKey replaces the shared secret.
func (a *Authenticator) SetKey(key string) {
	hash := sha256.Sum256([]byte(key))
	a.keyHash.Store(&hash)
}

// Validate reports whether apiKey matches the shared secret. Both sides are
// hashed so the comparison is constant-time regardless of length.
func (a *Authenticator) Validate(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	want := a.keyHash.Load()
	if want == nil {
		return false
	}
	got := sha256.Sum256([]byte(apiKey))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// ExtractAPIKey returns the shared secret presented on r.
func ExtractAPIKey(r *http.Request) string {
	return r.Header.Get(HeaderName)
}

// GenerateKey returns a random 32-byte secret, hex encoded.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashAPIKey creates a SHA-256 hash of an API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
