// errors.go: Error taxonomy for the page cipher engine and keyfile store.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// Public standard errors. Every error returned by this package wraps exactly one of
// them, so callers can branch with errors.Is and still get the rich go-errors detail
// from err.Error().
var (
	// ErrKeyFileOpen is returned when the keyfile is missing, unreadable or cannot be created.
	ErrKeyFileOpen = errors.New("pagecrypt: keyfile open error")

	// ErrKeyFileCorrupt is returned when the keyfile is truncated or malformed.
	ErrKeyFileCorrupt = errors.New("pagecrypt: keyfile corrupt")

	// ErrKeyFilePersist is returned when writing the keyfile fails.
	ErrKeyFilePersist = errors.New("pagecrypt: keyfile persist error")

	// ErrKeyWrap is returned when the data key cannot be wrapped.
	ErrKeyWrap = errors.New("pagecrypt: key wrap error")

	// ErrKeyUnwrap is returned when the wrapped key fails authentication.
	// This means a wrong wrapping key or a tampered keyfile.
	ErrKeyUnwrap = errors.New("pagecrypt: key unwrap error")

	// ErrPageAuthentication is returned when a page fails its integrity check.
	ErrPageAuthentication = errors.New("pagecrypt: page authentication failed")

	// ErrBufferSize is returned when a declared page size does not fit the buffers involved.
	ErrBufferSize = errors.New("pagecrypt: buffer size mismatch")

	// ErrInvalidPageNumber is returned for page number 0. Pages are 1-based.
	ErrInvalidPageNumber = errors.New("pagecrypt: invalid page number")

	// ErrInvalidKeySize is returned when a data key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("pagecrypt: invalid key size")

	// ErrKeyUnavailable is returned when an operation needs the data key of a locked engine.
	ErrKeyUnavailable = errors.New("pagecrypt: data key not available")

	// ErrEngineClosed is returned by every operation on a closed engine.
	ErrEngineClosed = errors.New("pagecrypt: engine closed")

	// ErrAlreadyOpen is returned when a registry already holds an engine for a database.
	ErrAlreadyOpen = errors.New("pagecrypt: database already open")

	// ErrNotOpen is returned when a registry holds no engine for a database.
	ErrNotOpen = errors.New("pagecrypt: database not open")

	// ErrInvalidConfig is returned by configuration loading and validation.
	ErrInvalidConfig = errors.New("pagecrypt: invalid configuration")
)

// Error codes for rich error handling
const (
	ErrCodeKeyFileOpen    = "PAGECRYPT_KEYFILE_OPEN"
	ErrCodeKeyFileCorrupt = "PAGECRYPT_KEYFILE_CORRUPT"
	ErrCodeKeyFilePersist = "PAGECRYPT_KEYFILE_PERSIST"
	ErrCodeKeyWrap        = "PAGECRYPT_KEY_WRAP"
	ErrCodeKeyUnwrap      = "PAGECRYPT_KEY_UNWRAP"
	ErrCodePageAuth       = "PAGECRYPT_PAGE_AUTH"
	ErrCodeBufferSize     = "PAGECRYPT_BUFFER_SIZE"
	ErrCodePageNumber     = "PAGECRYPT_PAGE_NUMBER"
	ErrCodeInvalidKey     = "PAGECRYPT_INVALID_KEY"
	ErrCodeKeyUnavailable = "PAGECRYPT_KEY_UNAVAILABLE"
	ErrCodeEngineClosed   = "PAGECRYPT_ENGINE_CLOSED"
	ErrCodeRegistry       = "PAGECRYPT_REGISTRY"
	ErrCodeConfig         = "PAGECRYPT_CONFIG"
)

// newError builds a rich error with the given code and joins it to the sentinel.
func newError(sentinel error, code goerrors.ErrorCode, msg string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.New(code, msg))
}

// wrapError wraps cause into a rich error with the given code and joins it to the sentinel.
func wrapError(sentinel error, cause error, code goerrors.ErrorCode, msg string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.Wrap(cause, code, msg))
}

// errorType maps an error to a short label for metrics.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPageAuthentication):
		return "authentication"
	case errors.Is(err, ErrBufferSize):
		return "buffer_size"
	case errors.Is(err, ErrInvalidPageNumber):
		return "page_number"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, ErrKeyFilePersist):
		return "keyfile_persist"
	case errors.Is(err, ErrKeyFileOpen):
		return "keyfile_open"
	case errors.Is(err, ErrKeyFileCorrupt):
		return "keyfile_corrupt"
	case errors.Is(err, ErrKeyUnwrap):
		return "key_unwrap"
	case errors.Is(err, ErrKeyWrap):
		return "key_wrap"
	case errors.Is(err, ErrEngineClosed):
		return "closed"
	default:
		return "other"
	}
}
