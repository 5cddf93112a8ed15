package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// TokenSize is the size of a one-time authentication token before encoding
const TokenSize = 32

// Fingerprint returns a short printable identifier for key material.
// The first 8 bytes of the BLAKE2b digest are enough to tell keys apart in logs.
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// NewToken returns a fresh base64 encoded random token of TokenSize bytes
func NewToken() (string, error) {
	raw, err := GenerateNonce(TokenSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Equal compares two byte slices in constant time
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
