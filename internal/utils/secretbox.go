package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecretBox seals provider API keys at rest with ChaCha20-Poly1305.
// The passphrase is hashed with SHA-256 to derive the 32-byte key.
type SecretBox struct {
	key []byte
}

func NewSecretBox(passphrase string) (*SecretBox, error) {
	if passphrase == "" {
		return nil, errors.New("secretbox: passphrase is required")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &SecretBox{key: sum[:]}, nil
}

// Seal encrypts plaintext and binds it to aad (ex: "user:provider").
func (b *SecretBox) Seal(plaintext, aad string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *SecretBox) Open(sealed, aad string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secretbox: decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("secretbox: ciphertext too short")
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", err)
	}
	return string(pt), nil
}
