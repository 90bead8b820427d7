// keyutils.go: Key generation, validation, zeroization, and fingerprinting.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
)

// KeySize is the size in bytes of a data encryption key and of every derived
// wrapping key. Both page suites and the key wrap use 256-bit keys.
const KeySize = 32

// Zeroize overwrites b with zeros in place.
//
// Example:
//
//	kek := []byte("correct horse battery staple")
//	engine, err := pagecrypt.NewEngine("app.db", kek, false)
//	pagecrypt.Zeroize(kek)
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GetKeyFingerprint returns the first 8 bytes of SHA-256(key) as 16 hex characters,
// or an empty string for an empty key.
//
// The fingerprint is only ever computed over wrapped keys, which are safe to identify
// in logs. Never fingerprint a raw data key.
func GetKeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	hash := sha256.Sum256(key)
	return fmt.Sprintf("%016x", hash[:8])
}

// GenerateKey generates a cryptographically secure random key of KeySize bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, goerrors.Wrap(err, "KEY_GEN_ERROR", "failed to generate key")
	}
	return key, nil
}

// GenerateNonce generates a cryptographically secure random nonce of the given size.
func GenerateNonce(size int) ([]byte, error) {
	if size <= 0 {
		return nil, goerrors.New("INVALID_NONCE_SIZE", "nonce size must be positive")
	}
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, goerrors.Wrap(err, "NONCE_GEN_ERROR", "failed to generate nonce")
	}
	return nonce, nil
}

// fillRandom fills b from crypto/rand.
func fillRandom(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return goerrors.Wrap(err, "NONCE_GEN_ERROR", "failed to read random bytes")
	}
	return nil
}

// ValidateKey checks that a data key has exactly KeySize bytes.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return newError(ErrInvalidKeySize, ErrCodeInvalidKey,
			fmt.Sprintf("key size must be %d bytes, got %d", KeySize, len(key)))
	}
	return nil
}
