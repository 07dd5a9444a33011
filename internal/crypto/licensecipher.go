// Package crypto provides authenticated encryption for license keys at rest.
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

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrEmptyKey is returned when the cipher is constructed without a master key.
	ErrEmptyKey = errors.New("encryption key must not be empty")
	// ErrInvalidCiphertext is returned when stored ciphertext cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

const (
	saltLength = 16
	keyLength  = 32 // AES-256
	iterations = 100_000
)

// LicenseCipher encrypts and decrypts license keys with AES-256-GCM. The AES
// key is derived per record: a fresh random salt is generated on every Seal
// and stored alongside the ciphertext, so two installs of the same license
// never share key material.
type LicenseCipher struct {
	masterKey []byte
}

// NewLicenseCipher creates a cipher from the master encryption key.
func NewLicenseCipher(masterKey string) (*LicenseCipher, error) {
	if masterKey == "" {
		return nil, ErrEmptyKey
	}
	return &LicenseCipher{masterKey: []byte(masterKey)}, nil
}

// Seal encrypts plaintext and returns base64-encoded ciphertext and salt.
func (c *LicenseCipher) Seal(plaintext string) (ciphertext, salt string, err error) {
	rawSalt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, rawSalt); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(rawSalt)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawSalt), nil
}

// Open decrypts ciphertext produced by Seal using its stored salt.
func (c *LicenseCipher) Open(ciphertext, salt string) (string, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	gcm, err := c.aead(rawSalt)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func (c *LicenseCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
