// keyutils_test.go: Test cases for key utilities.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt_test

import (
	"errors"
	"testing"

	"github.com/agilira/pagecrypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_ValidLength(t *testing.T) {
	key, err := pagecrypt.GenerateKey()
	require.NoError(t, err)
	defer pagecrypt.Zeroize(key)

	assert.Len(t, key, pagecrypt.KeySize)

	other, err := pagecrypt.GenerateKey()
	require.NoError(t, err)
	defer pagecrypt.Zeroize(other)
	assert.NotEqual(t, key, other)
}

func TestGenerateNonce_ValidAndInvalid(t *testing.T) {
	nonce, err := pagecrypt.GenerateNonce(24)
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}
	if len(nonce) != 24 {
		t.Errorf("Expected nonce length 24, got %d", len(nonce))
	}
	if _, err := pagecrypt.GenerateNonce(0); err == nil {
		t.Error("Expected error for zero nonce size")
	}
	if _, err := pagecrypt.GenerateNonce(-5); err == nil {
		t.Error("Expected error for negative nonce size")
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, pagecrypt.ValidateKey(make([]byte, pagecrypt.KeySize)))

	for _, size := range []int{0, 16, 31, 33, 64} {
		err := pagecrypt.ValidateKey(make([]byte, size))
		assert.True(t, errors.Is(err, pagecrypt.ErrInvalidKeySize), "size %d: got %v", size, err)
	}
}

func TestZeroize(t *testing.T) {
	data := []byte("sensitive wrapping key")
	pagecrypt.Zeroize(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	pagecrypt.Zeroize(nil)
}

func TestGetKeyFingerprint(t *testing.T) {
	assert.Equal(t, "", pagecrypt.GetKeyFingerprint(nil))

	a := pagecrypt.GetKeyFingerprint([]byte("wrapped-a"))
	b := pagecrypt.GetKeyFingerprint([]byte("wrapped-b"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, pagecrypt.GetKeyFingerprint([]byte("wrapped-a")))
	assert.NotEqual(t, a, b)
}
