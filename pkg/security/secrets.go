package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a string produced by SealString
const SealedPrefix = "sealed:v1:"

// hkdfInfo binds derived keys to their use
var hkdfInfo = []byte("ezstream node credentials")

// ErrSealed is returned when a sealed value is read without a key
var ErrSealed = errors.New("value is sealed and no credential key is configured")

// Sealer encrypts values with AES-256-GCM. Output is the nonce followed by
// the ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32 byte key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// NewSealerFromPassphrase derives the key from an operator passphrase
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString seals a string into a printable, prefixed form. Empty and
// already sealed strings are returned unchanged.
func (s *Sealer) SealString(v string) (string, error) {
	if v == "" || IsSealed(v) {
		return v, nil
	}
	data, err := s.Seal([]byte(v))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// OpenString reverses SealString. Strings without the prefix are plaintext
// written before a key was configured and are returned as is.
func (s *Sealer) OpenString(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed sealed value: %w", err)
	}
	plain, err := s.Open(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsSealed reports whether v was produced by SealString
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}
