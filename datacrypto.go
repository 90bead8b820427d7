// datacrypto.go: The data-crypto capability consumed by the page cipher engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Supported page cipher suites.
const (
	// CipherAES256GCM is AES-256-GCM with a random 96-bit nonce per page write.
	CipherAES256GCM = "aes-256-gcm"

	// CipherXChaCha20Poly1305 is XChaCha20-Poly1305 with a random 192-bit nonce per page write.
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"
)

// aeadTagSize is the authentication tag size of both suites.
const aeadTagSize = 16

// DataCrypto is the capability the engine delegates every cryptographic operation to.
//
// Encrypt writes len(in)+ExtraSize() bytes of ciphertext into out. Decrypt reads a
// ciphertext of len(in) bytes and writes len(in)-ExtraSize() bytes of plaintext into
// out. The page number is bound to the ciphertext: decrypting under a different page
// number fails with ErrPageAuthentication.
//
// Implementations must not retain key or wrappingKey past the call.
type DataCrypto interface {
	// GenerateKey returns a fresh random data key.
	GenerateKey() ([]byte, error)

	// WrapKey encrypts key under wrappingKey.
	WrapKey(key, wrappingKey []byte) ([]byte, error)

	// UnwrapKey reverses WrapKey. It fails with ErrKeyUnwrap when wrappingKey is wrong
	// or wrapped has been modified.
	UnwrapKey(wrapped, wrappingKey []byte) ([]byte, error)

	// Encrypt encrypts one page.
	Encrypt(pageNo uint32, in, out, key []byte) error

	// Decrypt decrypts one page.
	Decrypt(pageNo uint32, in, out, key []byte) error

	// ExtraSize is the fixed per-page ciphertext overhead (nonce and tag).
	ExtraSize() uint32
}

// DataCryptoOptions selects the page suite and the wrapping key derivation.
// A nil *DataCryptoOptions or zero fields select the defaults.
type DataCryptoOptions struct {
	// Cipher is the page suite, CipherAES256GCM by default.
	Cipher string

	// KDF derives the wrapping key from the caller's wrapping key bytes,
	// KDFArgon2ID by default.
	KDF string

	// KDFParams tunes Argon2id.
	KDFParams *KDFParams

	// PBKDF2Iterations applies to KDFPBKDF2SHA256.
	PBKDF2Iterations int
}

// suiteNonceSize returns the nonce size of a page suite.
func suiteNonceSize(suite string) (int, error) {
	switch suite {
	case CipherAES256GCM:
		return 12, nil
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX, nil
	default:
		return 0, fmt.Errorf("unsupported cipher suite: %s", suite)
	}
}

// NewDataCrypto returns the default AEAD-based DataCrypto.
//
// Example:
//
//	dc, err := pagecrypt.NewDataCrypto(&pagecrypt.DataCryptoOptions{
//		Cipher: pagecrypt.CipherXChaCha20Poly1305,
//		KDF:    pagecrypt.KDFArgon2ID,
//	})
func NewDataCrypto(opts *DataCryptoOptions) (DataCrypto, error) {
	o := DataCryptoOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Cipher == "" {
		o.Cipher = CipherAES256GCM
	}
	if o.KDF == "" {
		o.KDF = KDFArgon2ID
	}
	if o.PBKDF2Iterations <= 0 {
		o.PBKDF2Iterations = DefaultPBKDF2Iterations
	}

	nonceSize, err := suiteNonceSize(o.Cipher)
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeConfig, "invalid cipher suite")
	}
	kdfID, err := kdfIdentifier(o.KDF)
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeConfig, "invalid key derivation function")
	}
	if o.PBKDF2Iterations > maxPBKDF2Iterations {
		return nil, newError(ErrInvalidConfig, ErrCodeConfig,
			fmt.Sprintf("pbkdf2 iterations above %d", maxPBKDF2Iterations))
	}

	return &aeadDataCrypto{
		suite:            o.Cipher,
		nonceSize:        nonceSize,
		kdfID:            kdfID,
		kdfParams:        o.KDFParams,
		pbkdf2Iterations: o.PBKDF2Iterations,
	}, nil
}
