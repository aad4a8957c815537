// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package crypt implements the symmetric payload encryption applied to
// serialized messages before they are handed to a transport.
//
// A payload is encrypted with AES-256 in CTR mode under a random IV and
// authenticated with HMAC-SHA256 over IV and ciphertext. The wire format is
//
//	IV (16 bytes) | ciphertext | tag (32 bytes)
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of both the authentication and the encryption key.
	KeySize = 32

	ivSize  = aes.BlockSize
	tagSize = sha256.Size

	// Overhead is the number of bytes an encrypted payload grows by.
	Overhead = ivSize + tagSize
)

var (
	// ErrKeySize is returned for keys not being KeySize bytes long.
	ErrKeySize = fmt.Errorf("crypt: keys must be %d bytes", KeySize)

	// ErrAuth is returned for payloads failing authentication.
	ErrAuth = errors.New("crypt: message authentication failed")

	// ErrShort is returned for payloads too short to be encrypted payloads.
	ErrShort = errors.New("crypt: payload too short")
)

// Codec encrypts and decrypts payloads for one key pair. A Codec is immutable
// and safe for concurrent use.
type Codec struct {
	authKey []byte
	block   cipher.Block
}

// NewCodec creates a Codec from an authentication and an encryption key.
func NewCodec(authKey, cryptoKey []byte) (*Codec, error) {
	if len(authKey) != KeySize || len(cryptoKey) != KeySize {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(cryptoKey)
	if err != nil {
		return nil, err
	}

	return &Codec{
		authKey: append([]byte(nil), authKey...),
		block:   block,
	}, nil
}

// DeriveKeys derives an authentication and an encryption key from a shared secret.
func DeriveKeys(secret []byte) (authKey, cryptoKey []byte, err error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte("cotmesh payload keys"))

	authKey = make([]byte, KeySize)
	cryptoKey = make([]byte, KeySize)
	if _, err = io.ReadFull(kdf, authKey); err != nil {
		return
	}
	_, err = io.ReadFull(kdf, cryptoKey)
	return
}

func (c *Codec) tag(data []byte) []byte {
	mac := hmac.New(sha256.New, c.authKey)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

// Encrypt returns a new buffer holding the encrypted and authenticated payload.
func (c *Codec) Encrypt(payload []byte) ([]byte, error) {
	out := make([]byte, ivSize+len(payload), ivSize+len(payload)+tagSize)
	if _, err := rand.Read(out[:ivSize]); err != nil {
		return nil, err
	}

	cipher.NewCTR(c.block, out[:ivSize]).XORKeyStream(out[ivSize:], payload)
	return append(out, c.tag(out)...), nil
}

// Decrypt verifies and decrypts a payload produced by Encrypt into a new buffer.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrShort
	}

	body, tag := data[:len(data)-tagSize], data[len(data)-tagSize:]
	if !hmac.Equal(tag, c.tag(body)) {
		return nil, ErrAuth
	}

	out := make([]byte, len(body)-ivSize)
	cipher.NewCTR(c.block, body[:ivSize]).XORKeyStream(out, body[ivSize:])
	return out, nil
}
