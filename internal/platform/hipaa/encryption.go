package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Algorithm is the only cipher suite issued by the key manager.
const Algorithm = "AES-256-GCM"

// PHIEncryptor provides AES-256-GCM encryption with associated data. The
// associated data (the key id for field values) is authenticated but not
// stored, so a ciphertext presented under any other key id fails to open.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// Seal encrypts data and returns nonce || ciphertext || tag.
func (e *PHIEncryptor) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, data, aad), nil
}

// Open reverses Seal. Every failure, including truncated input, is an
// integrity violation.
func (e *PHIEncryptor) Open(data, aad []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short: %w", ErrIntegrityViolation)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", ErrIntegrityViolation)
	}
	return plaintext, nil
}

// EncryptString seals plaintext bound to aad and base64-encodes the result.
func (e *PHIEncryptor) EncryptString(plaintext, aad string) (string, error) {
	sealed, err := e.Seal([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString decodes and opens a value produced by EncryptString.
func (e *PHIEncryptor) DecryptString(ciphertext, aad string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", ErrIntegrityViolation)
	}
	plaintext, err := e.Open(data, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
