// rekey.go: Re-wrapping the data key under a new wrapping key.
//
// A rekey never touches page ciphertext: the data key stays the same and only its
// wrapped form in the keyfile changes. It runs in three phases, in the manner of a
// zero-downtime rotation: prepare wraps the key under the new wrapping key, validate
// unwraps the result again and compares it with the live key, commit replaces the
// keyfile atomically. A failure before commit leaves both the keyfile and the engine
// exactly as they were.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"crypto/subtle"

	"github.com/sirupsen/logrus"
)

// Rekey re-wraps the data key under newWrappingKey and persists the keyfile.
// The previous wrapping key stops working once Rekey returns nil.
func (e *Engine) Rekey(newWrappingKey []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	key, err := e.key()
	if err != nil {
		return err
	}

	// Phase 1: wrap under the new wrapping key without touching the live state
	pending, err := e.prepareRekey(key, newWrappingKey)
	if err != nil {
		return err
	}

	// Phase 2: prove the pending blob opens to the live key
	if err := e.validateRekey(key, pending, newWrappingKey); err != nil {
		return err
	}

	// Phase 3: persist, then swap the in-memory wrapped key
	if err := e.commitRekey(pending); err != nil {
		return err
	}

	e.metrics.recordRekey()
	e.logger.WithFields(logrus.Fields{
		"wrapped_key_fp": GetKeyFingerprint(pending),
	}).Info("data key re-wrapped")
	return nil
}

func (e *Engine) prepareRekey(key, newWrappingKey []byte) ([]byte, error) {
	wrapped, err := e.dc.WrapKey(key, newWrappingKey)
	if err != nil {
		return nil, asKeyError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to wrap data key under the new wrapping key")
	}
	return wrapped, nil
}

func (e *Engine) validateRekey(key, pending, newWrappingKey []byte) error {
	unwrapped, err := e.dc.UnwrapKey(pending, newWrappingKey)
	if err != nil {
		return wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "re-wrapped data key failed validation")
	}
	defer Zeroize(unwrapped)

	if subtle.ConstantTimeCompare(unwrapped, key) != 1 {
		return newError(ErrKeyWrap, ErrCodeKeyWrap, "re-wrapped data key does not match the live key")
	}
	return nil
}

func (e *Engine) commitRekey(pending []byte) error {
	if err := e.persistRecords(pending, e.firstPage); err != nil {
		return err
	}
	e.wrappedKey = pending
	return nil
}
