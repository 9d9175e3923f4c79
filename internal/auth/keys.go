// Package auth implements bearer API key authentication for the sync
// server and the local control surface.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks dash-sync API keys.
	APIKeyPrefix = "ds_"

	// apiKeyRandomBytes is the entropy in a generated key.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the shortest accepted key: the prefix plus 16 bytes
	// of hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Authenticator resolves a presented API key to a user ID.
type Authenticator interface {
	Authenticate(key string) (userID string, ok bool)
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyRandomBytes)
}

// CheckAPIKeyFormat reports whether key looks like a dash-sync key.
func CheckAPIKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// HashAPIKey returns the bcrypt hash stored on the server for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(hash), nil
}

// KeyEntry binds a bcrypt key hash to the user it authenticates.
type KeyEntry struct {
	UserID string
	Hash   string
}

// KeyStore authenticates keys against bcrypt hashes. Successful
// verifications are remembered by SHA-256 digest so each key pays the
// bcrypt cost once per process.
type KeyStore struct {
	entries []KeyEntry

	mu       sync.RWMutex
	verified map[string]string
}

// NewKeyStore creates a store over entries.
func NewKeyStore(entries []KeyEntry) *KeyStore {
	return &KeyStore{
		entries:  append([]KeyEntry(nil), entries...),
		verified: make(map[string]string),
	}
}

// Authenticate returns the user owning key.
func (s *KeyStore) Authenticate(key string) (string, bool) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", false
	}

	digest := keyDigest(key)

	s.mu.RLock()
	userID, ok := s.verified[digest]
	s.mu.RUnlock()

	if ok {
		return userID, true
	}

	for _, e := range s.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(key)) == nil {
			s.mu.Lock()
			s.verified[digest] = e.UserID
			s.mu.Unlock()

			return e.UserID, true
		}
	}

	return "", false
}

// StaticKey authenticates exactly one key as one user. The daemon's
// control surface uses it.
type StaticKey struct {
	Key    string
	UserID string
}

// Authenticate compares in constant time.
func (k StaticKey) Authenticate(key string) (string, bool) {
	if k.Key == "" {
		return "", false
	}

	a := sha256.Sum256([]byte(k.Key))
	b := sha256.Sum256([]byte(key))

	if subtle.ConstantTimeCompare(a[:], b[:]) != 1 {
		return "", false
	}

	return k.UserID, true
}

func keyDigest(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
