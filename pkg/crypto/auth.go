package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AuthHashSize is the length of the derived authentication proof
	AuthHashSize = 64

	// AuthHashIterations is the PBKDF2 work factor
	AuthHashIterations = 10000
)

// AuthHash proves knowledge of a secret bound to a one-time token.
// The token is the PBKDF2 salt.
func AuthHash(secret []byte, token string) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(salt) == 0 {
		return "", fmt.Errorf("empty token")
	}

	derived := pbkdf2.Key(secret, salt, AuthHashIterations, AuthHashSize, sha256.New)
	return base64.StdEncoding.EncodeToString(derived), nil
}

// VerifyAuthHash recomputes the proof for token and compares it in constant time
func VerifyAuthHash(secret []byte, token, proof string) bool {
	expected, err := AuthHash(secret, token)
	if err != nil {
		return false
	}
	return Equal([]byte(expected), []byte(proof))
}
