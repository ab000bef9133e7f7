package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyPrefix brands every issued key. Validation rejects bearers without it
// before touching the store.
const KeyPrefix = "ml_"

// HashAPIKey hashes the raw API key using the same strategy as key creation.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HasKeyPrefix reports whether the bearer carries the issued brand prefix.
func HasKeyPrefix(raw string) bool {
	return strings.HasPrefix(raw, KeyPrefix)
}

// GenerateKey mints a raw key, its stored hash, and the short displayable
// prefix retained for dashboards.
func GenerateKey() (raw, hash, display string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = KeyPrefix + hex.EncodeToString(buf)
	hash = HashAPIKey(raw)
	display = raw[:len(KeyPrefix)+8]
	return raw, hash, display, nil
}
