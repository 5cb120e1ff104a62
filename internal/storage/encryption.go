package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/stephens/dyson-bridge/internal/log"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

var (
	// ErrInvalidKey is returned for keys that are not KeySize bytes
	ErrInvalidKey = errors.New("storage: invalid encryption key")
	// ErrCiphertextTooShort is returned when ciphertext has no room for a nonce
	ErrCiphertextTooShort = errors.New("storage: ciphertext too short")
)

// EncryptionKey seals device credentials at rest with AES-GCM
type EncryptionKey struct {
	aead cipher.AEAD
}

// NewEncryptionKey wraps a raw KeySize-byte key
func NewEncryptionKey(key []byte) (*EncryptionKey, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptionKey{aead: aead}, nil
}

// LoadOrCreateKey loads the key at path, generating and saving a new one
// when the file is missing or malformed
func LoadOrCreateKey(path string) (*EncryptionKey, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == KeySize {
		return NewEncryptionKey(key)
	}

	log.Warn("Generating new encryption key at %s; stored credentials from a previous key cannot be read", path)

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	return NewEncryptionKey(key)
}

// Encrypt seals plaintext. The random nonce is prepended to the result.
func (e *EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt
func (e *EncryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString encrypts a string
func (e *EncryptionKey) EncryptString(s string) ([]byte, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString decrypts to a string
func (e *EncryptionKey) DecryptString(ciphertext []byte) (string, error) {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
