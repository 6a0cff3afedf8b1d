// Package crypto seals configuration secrets (API keys, bot tokens) with
// AES-256-GCM so they can be kept in config files as ENC[vN]:... values.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize   = 32
	NonceSize = 12

	prefixOpen = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens values with one versioned key.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if version <= 0 {
		return nil, fmt.Errorf("invalid key version %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt returns ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix(e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	version, payload, ok := split(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	if version != e.version {
		return "", fmt.Errorf("%w: sealed with v%d, key is v%d", ErrDecryptionFailed, version, e.version)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func (e *Encryptor) Version() int { return e.version }

// Prefix returns the marker for a key version, e.g. "ENC[v1]:".
func Prefix(version int) string {
	return fmt.Sprintf("ENC[v%d]:", version)
}

// IsEncrypted reports whether s carries an ENC[vN]: marker.
func IsEncrypted(s string) bool {
	_, _, ok := split(s)
	return ok
}

// ParseVersion extracts the key version from a sealed value, or 0.
func ParseVersion(ciphertext string) int {
	v, _, ok := split(ciphertext)
	if !ok {
		return 0
	}
	return v
}

func split(s string) (int, string, bool) {
	if !strings.HasPrefix(s, prefixOpen) {
		return 0, "", false
	}
	end := strings.Index(s, "]:")
	if end == -1 {
		return 0, "", false
	}
	var version int
	if _, err := fmt.Sscanf(s[len(prefixOpen):end], "%d", &version); err != nil || version <= 0 {
		return 0, "", false
	}
	return version, s[end+2:], true
}
