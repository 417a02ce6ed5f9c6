package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenEntropyBytes is the entropy used for issued tokens (256 bits).
const tokenEntropyBytes = 32

// GenerateToken returns a cryptographically random opaque token suitable for
// use as a resource-server access token, refresh token, authorization code,
// or provider state value. The value is base64url encoded without padding.
//
// Panics if the system RNG fails, which indicates a critical system-level
// failure no caller can recover from.
func GenerateToken() string {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
