package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrKeyNotFound = errors.New("encryption key version not loaded")

// Keyring holds every key version that may still appear in config, sealing
// new values with the highest one.
type Keyring struct {
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyring builds a keyring from hex-encoded keys indexed by version.
func NewKeyring(hexKeys map[int]string) (*Keyring, error) {
	kr := &Keyring{encryptors: make(map[int]*Encryptor, len(hexKeys))}
	for version, h := range hexKeys {
		key, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", version, err)
		}
		enc, err := NewEncryptor(key, version)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		kr.encryptors[version] = enc
		if version > kr.current {
			kr.current = version
		}
	}
	if kr.current == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

// Seal encrypts with the current key version.
func (k *Keyring) Seal(plaintext string) (string, error) {
	return k.encryptors[k.current].Encrypt(plaintext)
}

// Open decrypts a sealed value with the matching key version. Values without
// an ENC marker are returned unchanged.
func (k *Keyring) Open(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	enc, ok := k.encryptors[ParseVersion(value)]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrKeyNotFound, ParseVersion(value))
	}
	return enc.Decrypt(value)
}

func (k *Keyring) CurrentVersion() int { return k.current }
