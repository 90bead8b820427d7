// kdf.go: Derivation of key-wrapping keys from caller-supplied wrapping key bytes.
//
// Password-like wrapping keys go through Argon2id. Wrapping keys that are already
// high-entropy (random 32-byte secrets, HSM exports) can use HKDF-SHA256, and
// PBKDF2-SHA256 is kept for deployments that standardised on it.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"crypto/sha256"
	"io"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	pbkdf2 "golang.org/x/crypto/pbkdf2"
)

// Supported key derivation functions for key wrapping.
const (
	KDFArgon2ID     = "argon2id"
	KDFHKDFSHA256   = "hkdf-sha256"
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
)

// Default Argon2 parameters for key derivation.
const (
	// DefaultTime is the default number of iterations for Argon2id.
	DefaultTime = 3

	// DefaultMemory is the default memory usage in MB for Argon2id.
	DefaultMemory = 64

	// DefaultThreads is the default number of threads for Argon2id.
	DefaultThreads = 4

	// DefaultPBKDF2Iterations is the iteration count used when none is configured.
	DefaultPBKDF2Iterations = 600000
)

// Upper bounds accepted when unwrapping. A tampered keyfile must not be able to make
// the unwrap path allocate gigabytes or spin for minutes.
const (
	maxArgon2Time       = 64
	maxArgon2MemoryMB   = 4096
	maxPBKDF2Iterations = 10000000
)

// hkdfInfo separates wrapping keys from any other use of the same secret.
var hkdfInfo = []byte("pagecrypt key wrap v1")

// KDFParams defines custom parameters for Argon2id key derivation.
//
// If a field is zero, the library's secure default will be used.
//
// Example:
//
//	params := &pagecrypt.KDFParams{
//		Time:    4,    // 4 iterations
//		Memory:  128,  // 128 MB memory
//		Threads: 2,    // 2 threads
//	}
type KDFParams struct {
	// Time is the number of iterations for Argon2id.
	Time uint32 `json:"time,omitempty" yaml:"time,omitempty" validate:"omitempty,max=64"`

	// Memory is the memory usage in MB for Argon2id.
	Memory uint32 `json:"memory,omitempty" yaml:"memory,omitempty" validate:"omitempty,max=4096"`

	// Threads is the number of threads for Argon2id.
	Threads uint8 `json:"threads,omitempty" yaml:"threads,omitempty"`
}

// FastKDFParams returns Argon2id parameters optimized for speed.
//
// Suitable for tests and for wrapping keys that are already high-entropy but must
// still go through Argon2id for policy reasons.
//
// Parameters: Time=1, Memory=8MB, Threads=1
func FastKDFParams() *KDFParams {
	return &KDFParams{
		Time:    1,
		Memory:  8,
		Threads: 1,
	}
}

// resolve fills zero fields with the defaults.
func (p *KDFParams) resolve() (time, memoryMB uint32, threads uint8) {
	time, memoryMB, threads = DefaultTime, DefaultMemory, DefaultThreads
	if p == nil {
		return
	}
	if p.Time > 0 {
		time = p.Time
	}
	if p.Memory > 0 {
		memoryMB = p.Memory
	}
	if p.Threads > 0 {
		threads = p.Threads
	}
	return
}

// DeriveKey derives a key from a password and salt using Argon2id.
//
// If params is nil, secure defaults are used (Time: 3, Memory: 64MB, Threads: 4).
func DeriveKey(password, salt []byte, keyLen int, params *KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, goerrors.New("EMPTY_PASSWORD", "password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, goerrors.New("EMPTY_SALT", "salt cannot be empty")
	}
	if keyLen <= 0 {
		return nil, goerrors.New("INVALID_KEYLEN", "key length must be positive")
	}

	time, memoryMB, threads := params.resolve()
	key := argon2.IDKey(password, salt, time, memoryMB*1024, threads, uint32(keyLen)) // #nosec G115
	return key, nil
}

// DeriveKeyHKDF derives a key using HKDF-SHA256 (RFC 5869).
//
// HKDF is designed for high-entropy inputs. For passwords use DeriveKey.
func DeriveKeyHKDF(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, goerrors.New("INVALID_MASTER_KEY", "master key cannot be empty")
	}
	if keyLen <= 0 {
		return nil, goerrors.New("INVALID_KEYLEN", "key length must be positive")
	}
	if keyLen > 255*sha256.Size {
		return nil, goerrors.New("INVALID_KEYLEN", "key length too large for HKDF-SHA256")
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, info), key); err != nil {
		Zeroize(key)
		return nil, goerrors.Wrap(err, "HKDF_ERROR", "failed to expand key")
	}
	return key, nil
}

// DeriveKeyPBKDF2 derives a key using PBKDF2-SHA256.
//
// Prefer Argon2id for password-derived wrapping keys.
func DeriveKeyPBKDF2(password, salt []byte, iterations, keyLen int) ([]byte, error) {
	if len(password) == 0 {
		return nil, goerrors.New("EMPTY_PASSWORD", "password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, goerrors.New("EMPTY_SALT", "salt cannot be empty")
	}
	if iterations <= 0 {
		return nil, goerrors.New("INVALID_ITERATIONS", "iterations must be positive")
	}
	if keyLen <= 0 {
		return nil, goerrors.New("INVALID_KEYLEN", "key length must be positive")
	}

	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
}
