// pool.go: Zeroing buffer pools and the secure scratch buffer used for keyfile I/O.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"sync"
)

// Pool size classes. Anything above largeBufferSize is allocated directly and
// still wiped on release.
const (
	smallBufferSize  = 64       // nonces, wrapped-key headers, length prefixes
	mediumBufferSize = 1024     // wrapped keys, small keyfile records
	largeBufferSize  = 8 * 1024 // keyfile record carrying a 4 KiB page-1 cache
)

var (
	smallBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	}

	mediumBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, mediumBufferSize)
			return &buf
		},
	}

	largeBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, largeBufferSize)
			return &buf
		},
	}
)

func init() {
	WarmupPools(2)
}

// getBuffer retrieves a zeroed buffer of length size from the matching pool.
func getBuffer(size int) *[]byte {
	switch {
	case size <= smallBufferSize:
		buf := smallBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	case size <= mediumBufferSize:
		buf := mediumBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	case size <= largeBufferSize:
		buf := largeBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	default:
		buf := make([]byte, size)
		return &buf
	}
}

// clearBuffer zeroes buf, unrolled by cache line for the larger page-sized buffers.
func clearBuffer(buf []byte) {
	if len(buf) <= 64 {
		for i := range buf {
			buf[i] = 0
		}
		return
	}

	i := 0
	for i < len(buf)-7 {
		buf[i] = 0
		buf[i+1] = 0
		buf[i+2] = 0
		buf[i+3] = 0
		buf[i+4] = 0
		buf[i+5] = 0
		buf[i+6] = 0
		buf[i+7] = 0
		i += 8
	}
	for i < len(buf) {
		buf[i] = 0
		i++
	}
}

// putBuffer wipes the whole capacity of buf and returns it to its pool.
// Non-standard capacities are wiped and dropped.
func putBuffer(buf *[]byte) {
	if buf == nil {
		return
	}

	full := (*buf)[:cap(*buf)]
	clearBuffer(full)
	*buf = full

	switch cap(full) {
	case smallBufferSize:
		smallBufferPool.Put(buf)
	case mediumBufferSize:
		mediumBufferPool.Put(buf)
	case largeBufferSize:
		largeBufferPool.Put(buf)
	}
}

// WarmupPools pre-allocates count buffers in every size class.
func WarmupPools(count int) {
	bufs := make([]*[]byte, 0, count*3)
	for i := 0; i < count; i++ {
		bufs = append(bufs,
			getBuffer(smallBufferSize),
			getBuffer(mediumBufferSize),
			getBuffer(largeBufferSize))
	}
	for _, b := range bufs {
		putBuffer(b)
	}
}

// SecureBuffer is a fixed-size scratch buffer that is overwritten with zeros when
// released. It is meant for intermediate copies of wrapped keys and page ciphertext
// during keyfile I/O. Callers defer Release right after NewSecureBuffer so the wipe
// happens on every return path.
//
// Limitation: the wipe cannot reach copies made by the Go runtime (stack growth,
// slices appended past capacity) nor memory the OS swapped out.
type SecureBuffer struct {
	buf *[]byte
}

// NewSecureBuffer returns a zeroed SecureBuffer of exactly size bytes.
func NewSecureBuffer(size int) *SecureBuffer {
	if size < 0 {
		size = 0
	}
	return &SecureBuffer{buf: getBuffer(size)}
}

// Bytes returns the buffer contents. The slice is invalid after Release.
func (b *SecureBuffer) Bytes() []byte {
	if b == nil || b.buf == nil {
		return nil
	}
	return *b.buf
}

// Len returns the buffer length, 0 after Release.
func (b *SecureBuffer) Len() int {
	return len(b.Bytes())
}

// Release zeroes the buffer and hands it back to the pool. Calling it twice is safe.
func (b *SecureBuffer) Release() {
	if b == nil || b.buf == nil {
		return
	}
	putBuffer(b.buf)
	b.buf = nil
}
