// Package crypto provides authenticated encryption for session credentials
// at rest. With no key configured the codec is an explicit identity
// passthrough; with a key it seals values with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// KeySize is the required AES key size in bytes.
const KeySize = 32

// ErrCryptoFailure indicates a ciphertext that could not be authenticated or
// decrypted (tampering, wrong key, truncation). Callers must treat the
// owning session as unrecoverable and discard it; this error is never
// retryable.
var ErrCryptoFailure = errors.New("decryption failed")

// Codec encrypts and decrypts opaque strings.
type Codec struct {
	gcm cipher.AEAD // nil means passthrough mode
}

// NewCodec creates a codec from a raw key. A nil or empty key puts the codec
// in passthrough mode, which is logged once so the insecure configuration is
// visible at startup. A key of the wrong length is a configuration error.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		slog.Warn("session encryption disabled: credentials will be stored in plaintext")
		return &Codec{}, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid encryption key size: got %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Codec{gcm: gcm}, nil
}

// Enabled reports whether the codec actually encrypts.
func (c *Codec) Enabled() bool {
	return c.gcm != nil
}

// Encrypt seals a plaintext string. The result is base64url with the nonce
// prepended to the ciphertext. In passthrough mode the input is returned
// unchanged.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if c.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a string produced by Encrypt. Any authentication or decoding
// failure is reported as ErrCryptoFailure. In passthrough mode the input is
// returned unchanged.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if c.gcm == nil {
		return ciphertext, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrCryptoFailure)
	}

	if len(raw) < c.gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrCryptoFailure)
	}

	nonce, sealed := raw[:c.gcm.NonceSize()], raw[c.gcm.NonceSize():]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return string(plaintext), nil
}

// GenerateKey returns a fresh random key, base64url-encoded for use in the
// configuration file.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
