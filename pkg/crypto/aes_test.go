package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testSessionKey(t *testing.T) *SessionKey {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x24}, IVSize)
	sk, err := NewSessionKey(key, iv)
	if err != nil {
		t.Fatalf("NewSessionKey() error = %v", err)
	}
	return sk
}

func TestSessionKeyRoundTrip(t *testing.T) {
	sk := testSessionKey(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x01}},
		{"exact block", bytes.Repeat([]byte("a"), IVSize)},
		{"multi block", []byte("The quick brown fox jumps over the lazy dog")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := sk.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(ct)%IVSize != 0 || len(ct) <= len(tt.plaintext) {
				t.Errorf("Encrypt() ciphertext length = %d for %d bytes", len(ct), len(tt.plaintext))
			}

			pt, err := sk.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(pt, tt.plaintext) {
				t.Errorf("Decrypt() = %x, want %x", pt, tt.plaintext)
			}
		})
	}
}

func TestSessionKeyDeterministic(t *testing.T) {
	sk := testSessionKey(t)
	a, _ := sk.Encrypt([]byte("same input"))
	b, _ := sk.Encrypt([]byte("same input"))
	if !bytes.Equal(a, b) {
		t.Error("fixed key and IV should produce identical ciphertexts")
	}
}

func TestSessionKeyDecryptErrors(t *testing.T) {
	sk := testSessionKey(t)
	other, _ := NewSessionKey(bytes.Repeat([]byte{0x99}, 32), bytes.Repeat([]byte{0x24}, IVSize))
	ct, _ := other.Encrypt([]byte("secret"))

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not block aligned", []byte("short")},
		{"wrong key", ct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sk.Decrypt(tt.in); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
			}
		})
	}
}

func TestNewSessionKeyValidation(t *testing.T) {
	if _, err := NewSessionKey(make([]byte, 31), make([]byte, IVSize)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad key length accepted: %v", err)
	}
	if _, err := NewSessionKey(make([]byte, 32), make([]byte, 8)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad iv length accepted: %v", err)
	}
}
