// Package crypto seals memory payloads with per-agent keys.
//
// The codec is stateless: it never stores keys and draws a fresh random
// nonce for every Encrypt call. XChaCha20-Poly1305 is used because its
// 24-byte nonce is large enough that random nonces never collide in practice.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of an agent key in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the length of the nonce returned by Encrypt.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrDecryption is returned when a ciphertext cannot be opened: it was
// corrupted, its nonce was separated from it, or the key is wrong.
var ErrDecryption = errors.New("decryption failure")

// Codec encrypts and decrypts record payloads.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encrypt seals plaintext under key. additionalData is authenticated but not
// encrypted; callers bind the record id there so a ciphertext cannot be
// replayed under another record.
func (c *Codec) Encrypt(plaintext, key, additionalData []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Codec) Decrypt(ciphertext, nonce, key, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize {
		return nil, ErrDecryption
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
