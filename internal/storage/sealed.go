package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltKey      = "_sealed:salt"
	sealedPrefix = "v1:"
)

// Argon2id parameters for deriving the sealing key from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrWrongPassphrase is returned when a sealed value fails to open,
// which almost always means the passphrase changed.
var ErrWrongPassphrase = errors.New("sealed value could not be opened (wrong passphrase?)")

// Sealed wraps a KV and encrypts every value with XChaCha20-Poly1305
// under a key derived from a passphrase. The key name is bound as
// associated data so a ciphertext cannot be moved to another key.
// Values written before sealing was enabled are returned as stored.
type Sealed struct {
	inner KV
	aead  cipher.AEAD
}

// NewSealed derives the sealing key. The salt is created on first use
// and kept in inner under a reserved key.
func NewSealed(ctx context.Context, inner KV, passphrase string) (*Sealed, error) {
	if passphrase == "" {
		return nil, errors.New("sealed storage requires a passphrase")
	}

	salt, err := loadSalt(ctx, inner)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func loadSalt(ctx context.Context, inner KV) ([]byte, error) {
	encoded, err := inner.Read(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if encoded != "" {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		return salt, nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := inner.Save(ctx, saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}

// Read implements KV.
func (s *Sealed) Read(ctx context.Context, key string) (string, error) {
	stored, err := s.inner.Read(ctx, key)
	if err != nil || stored == "" {
		return stored, err
	}
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("decode %s: ciphertext too short", key)
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, ErrWrongPassphrase)
	}
	return string(plain), nil
}

// Save implements KV.
func (s *Sealed) Save(ctx context.Context, key, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.Save(ctx, key, sealedPrefix+base64.StdEncoding.EncodeToString(sealed))
}

// Delete implements KV.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
