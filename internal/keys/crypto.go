// Package keys handles provider API credentials: encryption at rest and
// round-robin rotation with rate-limit quarantine. Plaintext keys exist only
// as return values scoped to a single LLM call; nothing in this package logs
// or caches decrypted material.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	kdfSaltLen    = 16
)

// Credential is one encrypted provider key entry as stored on a
// ProviderConfig. Ciphertext is base64(salt || nonce || sealed).
type Credential struct {
	Ciphertext string `json:"ciphertext"`
	Label      string `json:"label,omitempty"`
	Active     bool   `json:"active"`
}

// Cipher seals and opens credential material with AES-256-GCM. The AES key
// is derived per ciphertext from the deployment secret with PBKDF2 and a
// random salt.
type Cipher struct {
	secret []byte
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("empty encryption secret")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Encrypt seals a plaintext API key.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, kdfSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a sealed credential. Callers must confine the returned value
// to the scope of the call that needs it.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(blob) < kdfSaltLen {
		return "", errors.New("ciphertext too short")
	}
	salt, rest := blob[:kdfSaltLen], blob[kdfSaltLen:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.New("decrypt credential: authentication failed")
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
