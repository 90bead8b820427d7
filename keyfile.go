// keyfile.go: Persistence of the wrapped data key and the page-1 ciphertext cache.
//
// On-disk record, integers little-endian:
//
//	u32 wrappedKeyLength
//	byte[wrappedKeyLength]
//	u32 firstPageLength      (0 when no page-1 cache exists)
//	byte[firstPageLength]
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// KeyFileSuffix is appended to the database file name to form the keyfile path.
const KeyFileSuffix = "-keyfile"

// keyFileMode restricts the keyfile to its owner.
const keyFileMode = 0o600

// lengthPrefixSize is the size of each u32 length field.
const lengthPrefixSize = 4

// maxKeyFileSize bounds how much readKeyFile is willing to load.
const maxKeyFileSize = 2*lengthPrefixSize + wrappedKeySize*16 + 1<<20

// KeyFilePath returns the keyfile path for a database file.
func KeyFilePath(dbFileName string) string {
	return dbFileName + KeyFileSuffix
}

// writeKeyFile atomically replaces the keyfile at path with the given records.
//
// The record is assembled in a SecureBuffer, written to a temporary file in the same
// directory, synced and renamed over path. A failure at any step removes the temporary
// file and leaves the previous keyfile untouched.
func writeKeyFile(path string, wrappedKey, firstPage []byte) (err error) {
	if len(wrappedKey) > math.MaxUint32 || len(firstPage) > math.MaxUint32 {
		return newError(ErrKeyFilePersist, ErrCodeKeyFilePersist, "keyfile record exceeds 4 GiB")
	}

	record := NewSecureBuffer(2*lengthPrefixSize + len(wrappedKey) + len(firstPage))
	defer record.Release()

	buf := record.Bytes()
	off := putRecord(buf, 0, wrappedKey)
	putRecord(buf, off, firstPage)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		openErr := wrapError(ErrKeyFileOpen, err, ErrCodeKeyFileOpen, "failed to create temporary keyfile")
		return fmt.Errorf("%w: %w", ErrKeyFilePersist, openErr)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(keyFileMode); err != nil {
		return wrapError(ErrKeyFilePersist, err, ErrCodeKeyFilePersist, "failed to restrict keyfile permissions")
	}
	if _, err = tmp.Write(buf); err != nil {
		return wrapError(ErrKeyFilePersist, err, ErrCodeKeyFilePersist, "failed to write keyfile")
	}
	if err = tmp.Sync(); err != nil {
		return wrapError(ErrKeyFilePersist, err, ErrCodeKeyFilePersist, "failed to sync keyfile")
	}
	if err = tmp.Close(); err != nil {
		return wrapError(ErrKeyFilePersist, err, ErrCodeKeyFilePersist, "failed to close keyfile")
	}
	if err = os.Rename(tmpName, path); err != nil {
		return wrapError(ErrKeyFilePersist, err, ErrCodeKeyFilePersist, "failed to replace keyfile")
	}

	syncDir(dir)
	return nil
}

// putRecord writes a length-prefixed record at off and returns the offset after it.
func putRecord(buf []byte, off int, data []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(data))) // #nosec G115 -- checked by caller
	off += lengthPrefixSize
	return off + copy(buf[off:], data)
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- directory of the keyfile
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// readKeyFile loads the wrapped key and the page-1 cache (nil when absent).
func readKeyFile(path string) (wrappedKey, firstPage []byte, err error) {
	f, err := os.Open(path) // #nosec G304 -- path is derived from the database file name
	if err != nil {
		return nil, nil, wrapError(ErrKeyFileOpen, err, ErrCodeKeyFileOpen, "failed to open keyfile")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, wrapError(ErrKeyFileOpen, err, ErrCodeKeyFileOpen, "failed to stat keyfile")
	}
	size := info.Size()
	if size > maxKeyFileSize {
		return nil, nil, newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt,
			fmt.Sprintf("keyfile of %d bytes exceeds the %d byte limit", size, maxKeyFileSize))
	}

	staging := NewSecureBuffer(int(size))
	defer staging.Release()

	buf := staging.Bytes()
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, nil, wrapError(ErrKeyFileCorrupt, err, ErrCodeKeyFileCorrupt, "failed to read keyfile")
	}

	wrappedKey, rest, err := takeRecord(buf, "wrapped key")
	if err != nil {
		return nil, nil, err
	}
	if len(wrappedKey) == 0 {
		return nil, nil, newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt, "keyfile holds an empty wrapped key")
	}
	firstPage, rest, err = takeRecord(rest, "first page")
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt,
			fmt.Sprintf("keyfile has %d trailing bytes", len(rest)))
	}
	return wrappedKey, firstPage, nil
}

// takeRecord reads one length-prefixed record from buf into a fresh slice.
// A zero-length record yields nil.
func takeRecord(buf []byte, what string) (record, rest []byte, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, nil, newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt,
			fmt.Sprintf("keyfile truncated before %s length", what))
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[lengthPrefixSize:]
	if uint64(n) > uint64(len(buf)) {
		return nil, nil, newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt,
			fmt.Sprintf("keyfile declares %d bytes of %s but only %d remain", n, what, len(buf)))
	}
	if n == 0 {
		return nil, buf, nil
	}
	record = make([]byte, n)
	copy(record, buf[:n])
	return record, buf[n:], nil
}
