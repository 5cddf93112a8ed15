package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and of the derived AES-256 session key
	KeySize = 32

	// SessionKeyInfo binds derived keys to this protocol
	SessionKeyInfo = "ZenTalk WTLP Session Key"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair is an ephemeral X25519 key pair used for a single key exchange
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair generates a new ephemeral X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)

	return &kp, nil
}

// SharedSecret performs X25519 between our private key and the remote public key
func (kp *KeyPair) SharedSecret(remotePublic []byte) ([]byte, error) {
	if len(remotePublic) != KeySize {
		return nil, ErrInvalidKey
	}

	secret, err := curve25519.X25519(kp.PrivateKey[:], remotePublic)
	if err != nil {
		// low order points yield an all-zero secret and are rejected here
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

// DeriveSessionKey expands an ECDH secret into an AES-256 key.
// The exchange IV is used as HKDF salt so both sides bind the key to the same exchange.
func DeriveSessionKey(sharedSecret, iv []byte) ([]byte, error) {
	if len(sharedSecret) != KeySize {
		return nil, ErrInvalidKey
	}

	reader := hkdf.New(sha256.New, sharedSecret, iv, []byte(SessionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// ExchangeKeys is the full responder/initiator computation: ECDH followed by HKDF
func ExchangeKeys(local *KeyPair, remotePublic, iv []byte) ([]byte, error) {
	secret, err := local.SharedSecret(remotePublic)
	if err != nil {
		return nil, err
	}
	return DeriveSessionKey(secret, iv)
}
