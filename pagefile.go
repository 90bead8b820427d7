// pagefile.go: A page-addressed encrypted database file.
//
// PageFile is the reference interception layer: it sits where a storage engine would
// read and write fixed-size pages and routes every page through an Engine. Page N
// (1-based) occupies the slot at offset (N-1)*(pageSize+ExtraSize()), so the file on
// disk only ever holds ciphertext.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"errors"
	"fmt"
	"io"
	"os"

	goerrors "github.com/agilira/go-errors"
)

// dbFileMode is used when OpenPageFile creates the database file.
const dbFileMode = 0o600

// PageFile is an encrypted database file accessed page by page.
// Like the Engine underneath, it is not safe for concurrent use.
//
// Example:
//
//	reg := pagecrypt.NewRegistry(nil)
//	defer reg.Close()
//
//	pf, err := pagecrypt.OpenPageFile(reg, "app.db", []byte("pw1"), 4096)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pf.Close()
//
//	if err := pf.WritePage(1, page); err != nil {
//		log.Fatal(err)
//	}
type PageFile struct {
	reg      *Registry
	path     string
	file     *os.File
	engine   *Engine
	pageSize uint32
	slotSize int64
	closed   bool
}

// OpenPageFile opens or creates the database file at path and registers its engine
// with reg. The database counts as existing when its keyfile does; an existing
// database opened with an empty wrappingKey is locked until Unlock. A new database
// gets its keyfile before OpenPageFile returns.
func OpenPageFile(reg *Registry, path string, wrappingKey []byte, pageSize uint32) (*PageFile, error) {
	if reg == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeConfig, "registry cannot be nil")
	}
	if pageSize < MinPageSize {
		return nil, newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("page size %d is below the %d byte minimum", pageSize, MinPageSize))
	}

	exists, err := keyFileExists(path)
	if err != nil {
		return nil, err
	}

	if err := reg.Prepare(path, wrappingKey); err != nil {
		return nil, err
	}
	engine, err := reg.Open(path, exists)
	if err != nil {
		return nil, err
	}

	canonical := engine.DatabaseFileName()
	file, err := os.OpenFile(canonical, os.O_RDWR|os.O_CREATE, dbFileMode) // #nosec G304 -- caller-supplied database path
	if err != nil {
		_ = reg.Remove(canonical)
		return nil, wrapError(ErrKeyFileOpen, err, ErrCodeKeyFileOpen, "failed to open database file")
	}

	// A new database owns its keyfile before any page reaches disk.
	if !exists {
		if err := engine.Persist(); err != nil {
			_ = file.Close()
			_ = reg.Remove(canonical)
			return nil, err
		}
	}

	return &PageFile{
		reg:      reg,
		path:     canonical,
		file:     file,
		engine:   engine,
		pageSize: pageSize,
		slotSize: int64(pageSize) + int64(engine.ExtraSize()),
	}, nil
}

// keyFileExists reports whether the keyfile of dbPath is present.
func keyFileExists(dbPath string) (bool, error) {
	_, err := os.Stat(KeyFilePath(dbPath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, wrapError(ErrKeyFileOpen, err, ErrCodeKeyFileOpen, "failed to stat keyfile")
	}
}

func (p *PageFile) checkOpen() error {
	if p.closed {
		return newError(ErrEngineClosed, ErrCodeEngineClosed, "page file is closed")
	}
	return nil
}

// offset returns the file offset of page pageNo.
func (p *PageFile) offset(pageNo uint32) (int64, error) {
	if pageNo == 0 {
		return 0, newError(ErrInvalidPageNumber, ErrCodePageNumber, "page numbers start at 1")
	}
	return int64(pageNo-1) * p.slotSize, nil
}

// WritePage encrypts the first PageSize() bytes of page and writes them to slot pageNo.
func (p *PageFile) WritePage(pageNo uint32, page []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	off, err := p.offset(pageNo)
	if err != nil {
		return err
	}

	ciphertext, err := p.engine.EncryptPage(page, p.pageSize, pageNo)
	if err != nil {
		return err
	}
	if _, err := p.file.WriteAt(ciphertext, off); err != nil {
		return goerrors.Wrap(err, "PAGE_WRITE", fmt.Sprintf("failed to write page %d", pageNo))
	}
	return nil
}

// ReadPage reads and decrypts slot pageNo into buf, which must hold PageSize() bytes.
// A page past the end of the file returns an error wrapping io.EOF.
func (p *PageFile) ReadPage(pageNo uint32, buf []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	off, err := p.offset(pageNo)
	if err != nil {
		return err
	}
	if len(buf) < int(p.pageSize) {
		return newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("buffer holds %d bytes, page size is %d", len(buf), p.pageSize))
	}

	slot := NewSecureBuffer(int(p.slotSize))
	defer slot.Release()

	n, err := p.file.ReadAt(slot.Bytes(), off)
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return goerrors.Wrap(err, "PAGE_READ", fmt.Sprintf("failed to read page %d", pageNo))
	case n == 0:
		return fmt.Errorf("page %d: %w", pageNo, io.EOF)
	case int64(n) < p.slotSize:
		return fmt.Errorf("page %d holds %d of %d bytes: %w", pageNo, n, p.slotSize, io.ErrUnexpectedEOF)
	}

	if err := p.engine.DecryptPage(slot.Bytes(), p.pageSize, pageNo); err != nil {
		return err
	}
	copy(buf, slot.Bytes()[:p.pageSize])
	return nil
}

// PageCount returns the number of complete page slots in the file.
func (p *PageFile) PageCount() (uint32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	info, err := p.file.Stat()
	if err != nil {
		return 0, goerrors.Wrap(err, "PAGE_STAT", "failed to stat database file")
	}
	return uint32(info.Size() / p.slotSize), nil // #nosec G115 -- page numbers are u32
}

// Header returns a copy of the plaintext of page 1 taken from the keyfile cache,
// without reading the database file. A database whose page 1 was never written
// yields MinPageSize zero bytes.
func (p *PageFile) Header() ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	view, err := p.engine.DecryptFirstPageCache()
	if err != nil {
		return nil, err
	}
	header := make([]byte, len(view))
	copy(header, view)
	return header, nil
}

// Unlock supplies the wrapping key of a page file opened locked.
func (p *PageFile) Unlock(wrappingKey []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.engine.Unlock(wrappingKey)
}

// Rekey re-wraps the data key under newWrappingKey. Pages are not rewritten.
func (p *PageFile) Rekey(newWrappingKey []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.engine.Rekey(newWrappingKey)
}

// Sync flushes the database file to stable storage. The keyfile is synced on every write.
func (p *PageFile) Sync() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return goerrors.Wrap(err, "PAGE_SYNC", "failed to sync database file")
	}
	return nil
}

// PageSize returns the plaintext page size.
func (p *PageFile) PageSize() uint32 { return p.pageSize }

// Path returns the absolute database path.
func (p *PageFile) Path() string { return p.path }

// Engine returns the underlying engine.
func (p *PageFile) Engine() *Engine { return p.engine }

// Close syncs and closes the database file and removes the engine from the registry.
func (p *PageFile) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var syncErr error
	if err := p.file.Sync(); err != nil {
		syncErr = goerrors.Wrap(err, "PAGE_SYNC", "failed to sync database file")
	}
	fileErr := p.file.Close()
	regErr := p.reg.Remove(p.path)
	return errors.Join(syncErr, fileErr, regErr)
}
