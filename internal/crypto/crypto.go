// Package crypto seals archived exchange records at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/sha3"
)

// Sealer encrypts and decrypts raw blobs with AES-256-GCM. The key is
// derived from the configured secret with SHA3-256, so any non-empty
// secret string yields a full-size key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("sealing secret cannot be empty")
	}

	key := sha3.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the result.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
