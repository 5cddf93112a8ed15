package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// IVSize is the AES block size, used as the CBC IV length
const IVSize = aes.BlockSize

// SessionKey is the symmetric key material of an authenticated session
type SessionKey struct {
	Key []byte
	IV  []byte
}

// NewSessionKey validates and copies key material
func NewSessionKey(key, iv []byte) (*SessionKey, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: key length %d", ErrInvalidKey, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrInvalidKey, len(iv))
	}

	return &SessionKey{
		Key: append([]byte(nil), key...),
		IV:  append([]byte(nil), iv...),
	}, nil
}

// Fingerprint identifies the key in logs without revealing it
func (k *SessionKey) Fingerprint() string {
	if k == nil {
		return ""
	}
	return Fingerprint(k.Key)
}

// Encrypt encrypts plaintext with AES-CBC and PKCS#7 padding
func (k *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k.IV).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt
func (k *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(ciphertext))
	}

	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k.IV).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, ErrDecryptionFailed
	}
	padding := int(data[n-1])
	if padding == 0 || padding > blockSize || padding > n {
		return nil, ErrDecryptionFailed
	}
	for _, b := range data[n-padding:] {
		if int(b) != padding {
			return nil, ErrDecryptionFailed
		}
	}
	return data[:n-padding], nil
}
