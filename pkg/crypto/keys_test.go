package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	var zero [KeySize]byte
	if kp.PublicKey == zero {
		t.Error("GenerateKeyPair() public key is zero")
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() second call error = %v", err)
	}
	if kp.PublicKey == other.PublicKey {
		t.Error("GenerateKeyPair() produced identical public keys")
	}
}

func TestExchangeKeysAgree(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	iv, _ := GenerateNonce(IVSize)

	aliceKey, err := ExchangeKeys(alice, bob.PublicKey[:], iv)
	if err != nil {
		t.Fatalf("ExchangeKeys(alice) error = %v", err)
	}
	bobKey, err := ExchangeKeys(bob, alice.PublicKey[:], iv)
	if err != nil {
		t.Fatalf("ExchangeKeys(bob) error = %v", err)
	}

	if len(aliceKey) != KeySize {
		t.Errorf("session key length = %d, want %d", len(aliceKey), KeySize)
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Error("both sides derived different session keys")
	}
}

func TestExchangeKeysDependsOnIV(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	iv1, _ := GenerateNonce(IVSize)
	iv2, _ := GenerateNonce(IVSize)

	k1, _ := ExchangeKeys(alice, bob.PublicKey[:], iv1)
	k2, _ := ExchangeKeys(alice, bob.PublicKey[:], iv2)
	if bytes.Equal(k1, k2) {
		t.Error("different exchange IVs produced the same key")
	}
}

func TestSharedSecretRejectsBadKeys(t *testing.T) {
	kp, _ := GenerateKeyPair()

	tests := []struct {
		name   string
		remote []byte
	}{
		{"short key", make([]byte, 16)},
		{"empty key", nil},
		{"low order point", make([]byte, KeySize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kp.SharedSecret(tt.remote)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("SharedSecret() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}
