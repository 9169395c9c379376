package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer protects payload bytes at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NewSealer returns an XChaCha20-Poly1305 sealer for a 32 byte key, or a
// pass-through sealer when key is empty.
func NewSealer(key []byte) (Sealer, error) {
	if len(key) == 0 {
		return PlainSealer{}, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealer: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	return &AEADSealer{aead: aead}, nil
}

// ParseKey decodes a base64 (std or url, padded or not) sealing key.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != chacha20poly1305.KeySize {
				return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("encryption key is not valid base64")
}

type AEADSealer struct {
	aead cipher.AEAD
}

func (s *AEADSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *AEADSealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// PlainSealer stores payloads unmodified.
type PlainSealer struct{}

func (PlainSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (PlainSealer) Open(sealed []byte) ([]byte, error)    { return sealed, nil }
