// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package cipher implements the VdS 2465 confidentiality envelope:
// AES-128 in CBC mode with a fixed zero IV, keyed by a pre-shared
// 16-byte key selected per connection by the wire key id.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"
)

var zeroIV [aes.BlockSize]byte

// Encrypt AES-128-CBC encrypts plaintext, which must already be padded
// to a multiple of the AES block size (see internal/frame).
func Encrypt(key [16]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: plaintext length %d is not a multiple of the block size", len(plaintext))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	out := make([]byte, len(plaintext))
	stdcipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, plaintext)
	return out, nil
}

// Decrypt AES-128-CBC decrypts ciphertext, which must be a multiple of
// the AES block size.
func Decrypt(key [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	stdcipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, ciphertext)
	return out, nil
}
