// Package seal encrypts signaling payloads with a shared passphrase so that
// a broker or a copy/paste channel never sees session descriptions in clear.
package seal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	version    = 1
	KeyBytes   = chacha20poly1305.KeySize
	SaltBytes  = 16
	NonceBytes = chacha20poly1305.NonceSize

	headerBytes = 1 + SaltBytes + NonceBytes
)

var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrShort           = errors.New("seal: sealed message too short")
	ErrVersion         = errors.New("seal: unknown version")
	ErrOpen            = errors.New("seal: message authentication failed")
)

// Box seals and opens messages for one passphrase. The key for the box's own
// salt is derived once; keys for peer salts are cached.
type Box struct {
	passphrase []byte
	salt       []byte
	key        []byte

	mu    sync.Mutex
	cache map[string][]byte
}

func New(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: salt: %w", err)
	}

	b := &Box{
		passphrase: []byte(passphrase),
		salt:       salt,
		cache:      make(map[string][]byte),
	}
	b.key = b.keyFor(salt)
	return b, nil
}

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeyBytes)
}

func (b *Box) keyFor(salt []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if k, ok := b.cache[string(salt)]; ok {
		return k
	}
	k := deriveKey(b.passphrase, salt)
	b.cache[string(salt)] = k
	return k
}

// Seal returns version || salt || nonce || ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerBytes, headerBytes+len(plaintext)+aead.Overhead())
	out[0] = version
	copy(out[1:], b.salt)
	nonce := out[1+SaltBytes : headerBytes]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}

	return aead.Seal(out, nonce, plaintext, out[:1]), nil
}

func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerBytes+chacha20poly1305.Overhead {
		return nil, ErrShort
	}
	if sealed[0] != version {
		return nil, ErrVersion
	}

	salt := sealed[1 : 1+SaltBytes]
	nonce := sealed[1+SaltBytes : headerBytes]

	aead, err := chacha20poly1305.New(b.keyFor(salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed[headerBytes:], sealed[:1])
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
