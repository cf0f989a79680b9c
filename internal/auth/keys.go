// Package auth guards the control server with bcrypt-hashed API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks push-agent API keys.
	KeyPrefix = "pa_"
	// KeyMinLen is the minimum length of a key including the prefix.
	KeyMinLen = len(KeyPrefix) + 32

	keyBytes = 32
)

// APIKey is one configured key: the user it authenticates and the bcrypt
// hash of the key.
type APIKey struct {
	UserID string
	Hash   []byte
}

// RandomHex returns byteLen random bytes hex-encoded.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return KeyPrefix + RandomHex(keyBytes)
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	if len(key) < KeyMinLen {
		return "", fmt.Errorf("key too short (minimum %d characters)", KeyMinLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

// ParseKeys parses "user:bcrypt_hash" pairs separated by commas.
func ParseKeys(s string) ([]APIKey, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []APIKey

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("entry %d is not a bcrypt hash: %w", len(keys)+1, err)
		}

		if _, dup := seen[userID]; dup {
			return nil, fmt.Errorf("duplicate user %q in API keys", userID)
		}

		seen[userID] = struct{}{}
		keys = append(keys, APIKey{UserID: userID, Hash: []byte(hash)})
	}

	return keys, nil
}

// Verifier checks presented keys against the configured hashes. Keys
// that verified once are remembered by their SHA-256 digest so repeat
// requests skip bcrypt.
type Verifier struct {
	keys []APIKey

	mu       sync.Mutex
	verified map[[sha256.Size]byte]string
}

func NewVerifier(keys []APIKey) *Verifier {
	return &Verifier{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]string),
	}
}

// Verify returns the user a key belongs to.
func (v *Verifier) Verify(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) || len(key) < KeyMinLen {
		return "", false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	userID, ok := v.verified[digest]
	v.mu.Unlock()

	if ok {
		return userID, true
	}

	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword(k.Hash, []byte(key)) == nil {
			v.mu.Lock()
			v.verified[digest] = k.UserID
			v.mu.Unlock()

			return k.UserID, true
		}
	}

	return "", false
}
