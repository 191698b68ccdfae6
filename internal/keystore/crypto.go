// Package keystore persists provider API keys encrypted at rest. Stored keys
// take precedence over environment bindings when the fallback chain resolves
// credentials.
package keystore

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

var (
	ErrInvalidMasterKey = errors.New("invalid encryption master key")
	ErrDecryptionFailed = errors.New("decryption failed - data may be corrupted or key is wrong")
	ErrKeyNotFound      = errors.New("provider key not found")
)

const pbkdf2Iterations = 100000 // OWASP recommended minimum

// Cipher derives per-record AES-256-GCM keys from a master key.
type Cipher struct {
	masterKey []byte
}

// NewCipher builds a cipher from a base64-encoded master key of at least
// 32 bytes.
func NewCipher(masterKeyBase64 string) (*Cipher, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidMasterKey
	}

	masterKey, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format: %w", err)
	}
	if len(masterKey) < 32 {
		return nil, ErrInvalidMasterKey
	}

	return &Cipher{masterKey: masterKey}, nil
}

// deriveKey creates a record key bound to the provider name, so a ciphertext
// copied between rows cannot decrypt.
func (c *Cipher) deriveKey(provider string, salt []byte) ([]byte, string) {
	combined := append(append([]byte{}, c.masterKey...), []byte("provider:"+provider)...)
	key := pbkdf2.Key(combined, salt, pbkdf2Iterations, 32, sha256.New)

	fingerprint := sha256.Sum256(key)
	return key, base64.StdEncoding.EncodeToString(fingerprint[:8])
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals value for the given provider and returns the ciphertext,
// salt, and key fingerprint, all base64-encoded.
func (c *Cipher) Encrypt(provider, value string) (encrypted, saltBase64, fingerprint string, err error) {
	salt, err := generateSalt()
	if err != nil {
		return "", "", "", err
	}

	key, fingerprint := c.deriveKey(provider, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(value), nil)

	return base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(salt),
		fingerprint,
		nil
}

// Decrypt opens a ciphertext previously produced by Encrypt for the same
// provider.
func (c *Cipher) Decrypt(provider, encrypted, saltBase64 string) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}

	key, _ := c.deriveKey(provider, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
