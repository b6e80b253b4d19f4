// Package secrets encrypts endpoint signing secrets and mTLS keys at rest with
// AES-256-GCM. The cipher key is derived from the operator's master key with
// HKDF-SHA256.
package secrets

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

const (
	keySize   = 32
	nonceSize = 12
	hkdfInfo  = "hookrelay endpoint secrets"
)

// ErrDecrypt means stored ciphertext could not be opened with the configured key.
// Callers must treat it as fatal for the operation, never substitute a default.
var ErrDecrypt = errors.New("secrets: decryption failed")

type Box struct {
	aead cipher.AEAD
}

func NewBox(masterKey, salt string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key is empty")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), []byte(salt), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt returns base64 ciphertext (with the GCM tag appended) and base64 IV.
func (b *Box) Encrypt(plaintext string) (ciphertext, iv string, err error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

func (b *Box) Decrypt(ciphertext, iv string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: iv encoding: %v", ErrDecrypt, err)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecrypt, nonceSize, len(nonce))
	}
	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
