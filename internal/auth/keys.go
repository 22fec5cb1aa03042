// Package auth resolves bearer API keys to user IDs.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// KeyRing holds the hashes of the configured API keys. Plain keys are not retained.
type KeyRing struct {
	users map[string]string // key hash -> user ID
}

// NewKeyRing builds a key ring from a user ID -> API key map.
// Empty keys are skipped.
func NewKeyRing(keys map[string]string) *KeyRing {
	users := make(map[string]string, len(keys))
	for user, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		users[HashKey(key)] = user
	}
	return &KeyRing{users: users}
}

// Authenticate returns the user owning key.
func (k *KeyRing) Authenticate(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	user, ok := k.users[HashKey(key)]
	return user, ok
}

// Len returns the number of usable keys.
func (k *KeyRing) Len() int {
	return len(k.users)
}
