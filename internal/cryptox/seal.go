// Package cryptox seals credentials at rest with XChaCha20-Poly1305.
package cryptox

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/filex"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the length of a sealing key.
	KeySize  = chacha20poly1305.KeySize
	SaltSize = 16
)

var ErrSealedTooShort = errors.New("sealed value too short")

// Sealer encrypts small values. The output is nonce || ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := common.GenerateRandByteArray(s.aead.NonceSize())
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, nil), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

// DeriveKey stretches a passphrase into a sealing key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// LoadOrCreateKey reads a key file, creating it with random content (mode
// 0600) on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	return loadOrCreate(path, KeySize)
}

// LoadKey returns the key from keyPath, or, when passphrase is set, a key
// derived from it with a random salt kept at keyPath + ".salt".
func LoadKey(keyPath, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return LoadOrCreateKey(keyPath)
	}
	salt, err := loadOrCreate(keyPath+".salt", SaltSize)
	if err != nil {
		return nil, err
	}
	pw := []byte(passphrase)
	defer common.WipeByteArray(pw)
	return DeriveKey(pw, salt), nil
}

func loadOrCreate(path string, size int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != size {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", path, len(b), size)
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	b = common.GenerateRandByteArray(size)
	if err := filex.WriteAtomic(path, b, 0o600); err != nil {
		return nil, err
	}
	return b, nil
}
