// File: internal/infra/security/secret_cipher.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"subscription-billing/internal/domain"
)

// SecretCipher provides symmetric encryption for serialized sensitive
// payloads (card fragments, raw gateway responses). AES-GCM with a random
// nonce per message; output format: base64(nonce || ciphertext).
type SecretCipher struct {
	gcm cipher.AEAD
}

// NewSecretCipher constructs the cipher. Key must be 16, 24, or 32 bytes
// (AES-128/192/256).
func NewSecretCipher(key string) (*SecretCipher, error) {
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
	return &SecretCipher{gcm: gcm}, nil
}

func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.EncryptionError("generate nonce", err)
	}
	ct := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt accepts output of Encrypt and returns the original plaintext.
// Any failure (bad base64, truncation, authentication) surfaces as an
// EncryptionError so callers fail closed.
func (c *SecretCipher) Decrypt(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", domain.EncryptionError("base64 decode", err)
	}
	ns := c.gcm.NonceSize()
	if len(data) < ns {
		return "", domain.EncryptionError("ciphertext too short", nil)
	}
	nonce, ct := data[:ns], data[ns:]
	pt, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", domain.EncryptionError("gcm open", err)
	}
	return string(pt), nil
}
