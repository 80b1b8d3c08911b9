package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// TokenMarker is the constant, human-recognizable leading segment of
	// every token this service mints.
	TokenMarker = "cg_live_"

	// PrefixLength bounds the displayable prefix to the key_prefix column.
	PrefixLength = 16

	// tokenRandomBytes is the entropy behind the marker, 36 bytes before
	// url-safe base64 encoding.
	tokenRandomBytes = 36
)

func generateRandomString(byteLength int) (string, error) {
	b := make([]byte, byteLength)
	// crypto/rand only: a predictable token here is the dominant auth
	// vulnerability of the whole service.
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAPIKey mints a fresh opaque token and splits it into the
// displayable prefix and the secret suffix. The raw token is shown to the
// user exactly once; only prefix, suffix and hash are persisted.
func GenerateAPIKey() (fullKey, prefix, suffix string, keyHash string, err error) {
	secret, err := generateRandomString(tokenRandomBytes)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	fullKey = TokenMarker + secret
	prefix = fullKey[:PrefixLength]
	suffix = fullKey[PrefixLength:]

	return fullKey, prefix, suffix, HashAPIKey(fullKey), nil
}

// HashAPIKey returns the hex sha256 fingerprint of a full token. It is the
// stable lookup key for the store, the state cache and the quota counter.
func HashAPIKey(fullKey string) string {
	hashBytes := sha256.Sum256([]byte(fullKey))
	return fmt.Sprintf("%x", hashBytes)
}

// HasTokenShape reports whether a presented credential could have been
// minted by this service. Shape rejection happens before any store access.
func HasTokenShape(token string) bool {
	return strings.HasPrefix(token, TokenMarker) && len(token) > PrefixLength
}

// SplitPrefix returns the displayable leading segment of a raw token.
func SplitPrefix(token string) string {
	return token[:PrefixLength]
}
