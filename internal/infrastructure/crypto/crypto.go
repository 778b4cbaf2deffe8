// Package crypto implements the credential vault used to protect provider
// secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// credentialKeyInfo binds derived keys to bank credential storage.
var credentialKeyInfo = []byte("finlink/bank-credentials/v1")

var (
	// ErrInvalidKey is returned when the master key is not exactly 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")

	// ErrIntegrity is returned when a blob cannot be authenticated: it was
	// tampered with, truncated, or sealed with a different key.
	ErrIntegrity = errors.New("credential integrity check failed")
)

// Encryptor seals strings with AES-256-GCM. The output blob is
// base64(nonce || ciphertext || tag).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the cipher key from the 32-byte master key.
func NewEncryptor(key string) (*Encryptor, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	derived := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, credentialKeyInfo), derived); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
// An empty plaintext yields an empty blob.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed, truncated or
// unauthenticated input fails with ErrIntegrity.
func (e *Encryptor) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrIntegrity)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrIntegrity
	}

	return string(plaintext), nil
}
