// File: internal/infra/security/encryption_service.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// sealedPrefix marks ciphertext so rows written before a key was configured stay readable.
var sealedPrefix = []byte("gcm1:")

// EncryptionService seals raw webhook payloads at rest with AES-GCM and a random
// nonce per message. A nil *EncryptionService passes data through unchanged.
type EncryptionService struct {
	gcm cipher.AEAD
}

// NewEncryptionService constructs an AES-GCM service. An empty key yields nil
// (payloads stored in clear). Key must otherwise be 16, 24, or 32 bytes.
func NewEncryptionService(key string) (*EncryptionService, error) {
	if key == "" {
		return nil, nil
	}
	k := []byte(key)
	n := len(k)
	if n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes; got %d", n)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &EncryptionService{gcm: gcm}, nil
}

// Seal returns prefix || nonce || ciphertext. aad binds the payload to its row
// (the transaction id) so sealed blobs cannot be swapped between transactions.
func (e *EncryptionService) Seal(plain []byte, aad string) ([]byte, error) {
	if e == nil {
		return plain, nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}
	out := make([]byte, 0, len(sealedPrefix)+len(nonce)+len(plain)+e.gcm.Overhead())
	out = append(out, sealedPrefix...)
	out = append(out, nonce...)
	return e.gcm.Seal(out, nonce, plain, []byte(aad)), nil
}

// Open reverses Seal. Unsealed input is returned as is.
func (e *EncryptionService) Open(data []byte, aad string) ([]byte, error) {
	if len(data) < len(sealedPrefix) || string(data[:len(sealedPrefix)]) != string(sealedPrefix) {
		return data, nil
	}
	if e == nil {
		return nil, errors.New("sealed payload but no encryption key configured")
	}
	data = data[len(sealedPrefix):]
	ns := e.gcm.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := data[:ns], data[ns:]
	pt, err := e.gcm.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return pt, nil
}
