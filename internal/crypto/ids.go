package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// 18 random bytes give 144 bits of entropy and a 24 character id.
const idLength = 18

// GenerateID returns an unguessable, URL-safe secret identifier.
func GenerateID() (string, error) {
	bytes := make([]byte, idLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateToken returns n random bytes encoded for use in cookies.
func GenerateToken(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
