// Package vault seals remote account credentials before they are persisted.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// HKDF salt and info bind the derived key to this use of the server secret.
var (
	keySalt = []byte("unfollowops/vault")
	keyInfo = []byte("credential/v1")
)

var ErrOpen = errors.New("credential blob cannot be opened")

// Sealer encrypts and authenticates credential blobs with a key derived from the server secret.
type Sealer struct {
	key [32]byte
}

func New(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("vault secret is empty")
	}
	var s Sealer
	kdf := hkdf.New(sha256.New, []byte(secret), keySalt, keyInfo)
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &s, nil
}

// Seal returns nonce||box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	out, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
