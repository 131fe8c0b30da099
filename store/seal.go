// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

// Cipher seals message content with AES-256-GCM.
//
// Sealed content is the random nonce followed by the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32 byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts the text.
func (c *Cipher) Seal(text string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(text)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return c.aead.Seal(nonce, nonce, []byte(text), nil), nil
}

// Open decrypts content sealed by Seal.
func (c *Cipher) Open(sealed []byte) (string, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return "", ErrSealed
	}
	text, err := c.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(text), nil
}

// ErrSealed indicates sealed content could not be opened.
var ErrSealed = errors.New("content cannot be unsealed")
