package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest secret New accepts.
const MinSecretLength = 32

const keyInfo = "calsync token vault v1"

var (
	// ErrIntegrity indicates a ciphertext that is malformed, was tampered with,
	// or was sealed under a different key.
	ErrIntegrity = errors.New("vault: ciphertext failed integrity check")

	// ErrWeakKey is returned by New when the configured secret is unusable.
	ErrWeakKey = errors.New("vault: encryption secret is missing or too short")
)

// Vault seals OAuth tokens with XChaCha20-Poly1305. Output has the form
// hex(nonce):hex(tag):hex(ciphertext).
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives the encryption key from secret. It refuses weak secrets so a
// misconfigured deployment fails at startup instead of on first use.
func New(secret string) (*Vault, error) {
	if len(strings.TrimSpace(secret)) < MinSecretLength {
		return nil, fmt.Errorf("%w (need at least %d bytes)", ErrWeakKey, MinSecretLength)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - v.aead.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrIntegrity
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrIntegrity
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != v.aead.Overhead() {
		return "", ErrIntegrity
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrIntegrity
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// EncryptOptional encrypts value unless it is empty, in which case nil is returned.
func (v *Vault) EncryptOptional(value string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	sealed, err := v.Encrypt(value)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}
