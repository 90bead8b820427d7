// encryption.go: AEAD page encryption and password-based key wrapping.
//
// Page layout on disk, for a plaintext page of n bytes:
//
//	[ciphertext n][tag 16][nonce 12 or 24]
//
// The nonce is drawn from crypto/rand on every write and the page number is bound as
// additional authenticated data, so a page copied to another offset fails to open.
//
// Wrapped key layout (little-endian integers, header authenticated as AAD):
//
//	[version 1][kdf 1][threads 1][reserved 1][cost u32][memoryMB u32][salt 16][nonce 12][sealed key 32+16]
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	wrapVersion    = 1
	wrapSaltSize   = 16
	wrapNonceSize  = 12
	wrapHeaderSize = 4 + 4 + 4 + wrapSaltSize + wrapNonceSize // 40 bytes
	wrappedKeySize = wrapHeaderSize + KeySize + aeadTagSize   // 88 bytes
)

// KDF identifiers stored in the wrapped key header.
const (
	kdfIDArgon2ID byte = 1
	kdfIDHKDF     byte = 2
	kdfIDPBKDF2   byte = 3
)

// pageAADPrefix domain-separates page AAD from anything else sealed with the data key.
var pageAADPrefix = [...]byte{'p', 'g', 'c', 'r'}

func kdfIdentifier(name string) (byte, error) {
	switch name {
	case KDFArgon2ID:
		return kdfIDArgon2ID, nil
	case KDFHKDFSHA256:
		return kdfIDHKDF, nil
	case KDFPBKDF2SHA256:
		return kdfIDPBKDF2, nil
	default:
		return 0, fmt.Errorf("unsupported key derivation function: %s", name)
	}
}

// aeadDataCrypto is the default DataCrypto. It holds no key material between calls;
// a fresh AEAD is built from the key argument on each operation.
type aeadDataCrypto struct {
	suite            string
	nonceSize        int
	kdfID            byte
	kdfParams        *KDFParams
	pbkdf2Iterations int
}

// newPageAEAD builds the AEAD of the configured suite for key.
func (d *aeadDataCrypto) newPageAEAD(key []byte) (cipher.AEAD, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	switch d.suite {
	case CipherXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, goerrors.Wrap(err, "CIPHER_INIT", "failed to create XChaCha20-Poly1305 cipher")
		}
		return aead, nil
	default:
		return newGCM(key)
	}
}

// newGCM creates an AES-256-GCM AEAD.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, goerrors.Wrap(err, "CIPHER_INIT", "failed to create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, goerrors.Wrap(err, "GCM_INIT", "failed to create GCM cipher")
	}
	return gcm, nil
}

// pageAAD returns the additional data binding a ciphertext to its page number.
func pageAAD(pageNo uint32) [8]byte {
	var aad [8]byte
	copy(aad[:4], pageAADPrefix[:])
	binary.LittleEndian.PutUint32(aad[4:], pageNo)
	return aad
}

func (d *aeadDataCrypto) GenerateKey() ([]byte, error) {
	return GenerateKey()
}

func (d *aeadDataCrypto) ExtraSize() uint32 {
	return uint32(d.nonceSize + aeadTagSize) // #nosec G115 -- at most 40
}

func (d *aeadDataCrypto) Encrypt(pageNo uint32, in, out, key []byte) error {
	if pageNo == 0 {
		return newError(ErrInvalidPageNumber, ErrCodePageNumber, "page numbers start at 1")
	}
	need := len(in) + int(d.ExtraSize())
	if len(out) < need {
		return newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("output buffer holds %d bytes, page needs %d", len(out), need))
	}

	aead, err := d.newPageAEAD(key)
	if err != nil {
		return err
	}

	nonceBuffer := getBuffer(d.nonceSize)
	defer putBuffer(nonceBuffer)
	nonce := *nonceBuffer
	if err := fillRandom(nonce); err != nil {
		return err
	}

	aad := pageAAD(pageNo)
	sealed := aead.Seal(out[:0], nonce, in, aad[:]) // #nosec G407 -- nonce is generated from crypto/rand
	copy(out[len(sealed):need], nonce)
	return nil
}

func (d *aeadDataCrypto) Decrypt(pageNo uint32, in, out, key []byte) error {
	if pageNo == 0 {
		return newError(ErrInvalidPageNumber, ErrCodePageNumber, "page numbers start at 1")
	}
	extra := int(d.ExtraSize())
	if len(in) < extra {
		return newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("ciphertext of %d bytes is shorter than the %d byte overhead", len(in), extra))
	}
	plainLen := len(in) - extra
	if len(out) < plainLen {
		return newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("output buffer holds %d bytes, page needs %d", len(out), plainLen))
	}

	aead, err := d.newPageAEAD(key)
	if err != nil {
		return err
	}

	split := len(in) - d.nonceSize
	aad := pageAAD(pageNo)
	plaintext, err := aead.Open(out[:0], in[split:], in[:split], aad[:])
	if err != nil {
		return wrapError(ErrPageAuthentication, err, ErrCodePageAuth,
			fmt.Sprintf("page %d failed authentication (wrong key, wrong page number, or tampered data)", pageNo))
	}
	copy(out, plaintext)
	return nil
}

func (d *aeadDataCrypto) WrapKey(key, wrappingKey []byte) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "refusing to wrap malformed data key")
	}
	if len(wrappingKey) == 0 {
		return nil, newError(ErrKeyWrap, ErrCodeKeyWrap, "wrapping key cannot be empty")
	}

	blob := make([]byte, wrapHeaderSize, wrappedKeySize)
	blob[0] = wrapVersion
	blob[1] = d.kdfID
	switch d.kdfID {
	case kdfIDArgon2ID:
		time, memoryMB, threads := d.kdfParams.resolve()
		blob[2] = threads
		binary.LittleEndian.PutUint32(blob[4:8], time)
		binary.LittleEndian.PutUint32(blob[8:12], memoryMB)
	case kdfIDPBKDF2:
		binary.LittleEndian.PutUint32(blob[4:8], uint32(d.pbkdf2Iterations)) // #nosec G115 -- bounded in NewDataCrypto
	}
	salt := blob[12 : 12+wrapSaltSize]
	nonce := blob[12+wrapSaltSize : wrapHeaderSize]
	if err := fillRandom(blob[12:wrapHeaderSize]); err != nil {
		return nil, wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to generate salt and nonce")
	}

	wk, err := deriveWrappingKey(blob[:wrapHeaderSize], wrappingKey, salt)
	if err != nil {
		return nil, wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to derive wrapping key")
	}
	defer Zeroize(wk)

	gcm, err := newGCM(wk)
	if err != nil {
		return nil, wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to initialise key wrap cipher")
	}
	return gcm.Seal(blob, nonce, key, blob[:wrapHeaderSize]), nil // #nosec G407 -- nonce is generated from crypto/rand
}

func (d *aeadDataCrypto) UnwrapKey(wrapped, wrappingKey []byte) ([]byte, error) {
	if len(wrappingKey) == 0 {
		return nil, newError(ErrKeyUnwrap, ErrCodeKeyUnwrap, "wrapping key cannot be empty")
	}
	if len(wrapped) != wrappedKeySize {
		return nil, newError(ErrKeyUnwrap, ErrCodeKeyUnwrap,
			fmt.Sprintf("wrapped key has %d bytes, expected %d", len(wrapped), wrappedKeySize))
	}
	if wrapped[0] != wrapVersion {
		return nil, newError(ErrKeyUnwrap, ErrCodeKeyUnwrap,
			fmt.Sprintf("unsupported wrapped key version %d", wrapped[0]))
	}

	header := wrapped[:wrapHeaderSize]
	salt := header[12 : 12+wrapSaltSize]
	nonce := header[12+wrapSaltSize:]

	wk, err := deriveWrappingKey(header, wrappingKey, salt)
	if err != nil {
		return nil, wrapError(ErrKeyUnwrap, err, ErrCodeKeyUnwrap, "failed to derive wrapping key")
	}
	defer Zeroize(wk)

	gcm, err := newGCM(wk)
	if err != nil {
		return nil, wrapError(ErrKeyUnwrap, err, ErrCodeKeyUnwrap, "failed to initialise key wrap cipher")
	}
	key, err := gcm.Open(nil, nonce, wrapped[wrapHeaderSize:], header)
	if err != nil {
		return nil, wrapError(ErrKeyUnwrap, err, ErrCodeKeyUnwrap,
			"wrapped key failed authentication (wrong wrapping key or tampered keyfile)")
	}
	return key, nil
}

// deriveWrappingKey runs the KDF recorded in header over wrappingKey.
// Cost parameters come from the header, bounded so a hostile blob cannot exhaust memory.
func deriveWrappingKey(header, wrappingKey, salt []byte) ([]byte, error) {
	cost := binary.LittleEndian.Uint32(header[4:8])
	switch header[1] {
	case kdfIDArgon2ID:
		memoryMB := binary.LittleEndian.Uint32(header[8:12])
		threads := header[2]
		if cost == 0 || cost > maxArgon2Time || memoryMB == 0 || memoryMB > maxArgon2MemoryMB || threads == 0 {
			return nil, goerrors.New("INVALID_KDF_PARAMS", "argon2id parameters out of bounds")
		}
		return DeriveKey(wrappingKey, salt, KeySize, &KDFParams{Time: cost, Memory: memoryMB, Threads: threads})
	case kdfIDHKDF:
		return DeriveKeyHKDF(wrappingKey, salt, hkdfInfo, KeySize)
	case kdfIDPBKDF2:
		if cost == 0 || cost > maxPBKDF2Iterations {
			return nil, goerrors.New("INVALID_KDF_PARAMS", "pbkdf2 iterations out of bounds")
		}
		return DeriveKeyPBKDF2(wrappingKey, salt, int(cost), KeySize)
	default:
		return nil, goerrors.New("INVALID_KDF", fmt.Sprintf("unknown key derivation function %d", header[1]))
	}
}
