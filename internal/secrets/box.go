// Package secrets seals values that must be recoverable later (agent
// credentials, provider API keys). This is authenticated encryption, not
// hashing: the engine has to open the credential at execution time.
package secrets

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrTampered = errors.New("secrets: ciphertext rejected")

type Box struct {
	key []byte
}

// NewBox expects a hex-encoded 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode secret key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Seal encrypts plain with a random nonce prefixed to the ciphertext.
func (b *Box) Seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (b *Box) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrTampered
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}
