package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenLength is the length of a generated share token.
const TokenLength = 43

// GenerateShareToken returns 32 random bytes, URL-safe base64 encoded without padding.
func GenerateShareToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// IsValidTokenFormat rejects strings that cannot be share tokens without a lookup.
func IsValidTokenFormat(token string) bool {
	if len(token) < 40 || len(token) > 50 {
		return false
	}
	for _, r := range token {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
