// engine.go: The page cipher engine bound to one database file.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MinPageSize is the smallest page size a host engine can negotiate. Scratch buffers
// are never bootstrapped below it.
const MinPageSize = 512

// EngineOptions configures NewEngineWithOptions. Every field is optional.
type EngineOptions struct {
	// DataCrypto overrides the capability built from Config.
	DataCrypto DataCrypto

	// Config selects the default capability when DataCrypto is nil.
	// Nil means DefaultConfig().
	Config *Config

	// Logger receives keyfile and rekey events. Nil discards them.
	Logger logrus.FieldLogger

	// Metrics records page and keyfile operations. Nil disables them.
	Metrics *Metrics
}

// Engine encrypts and decrypts the pages of one database file and owns its data key.
//
// An Engine is not safe for concurrent use: its scratch buffers are reused across
// calls and the slice returned by EncryptPage is only valid until the next call.
// Callers serialize access per database, as the host storage engine already does
// for its own file handle.
type Engine struct {
	id          string
	dbFileName  string
	keyFilePath string

	dc    DataCrypto
	extra uint32

	dek        *memguard.LockedBuffer // nil while locked
	wrappedKey []byte
	firstPage  []byte // ciphertext of page 1, nil when absent

	in  []byte
	out []byte

	logger  logrus.FieldLogger
	metrics *Metrics
	closed  bool
}

// NewEngine creates an engine with the default configuration.
//
// With exists == false a fresh data key is generated and wrapped under wrappingKey;
// the keyfile is first written by the first page-1 encryption, Rekey or Persist.
// With exists == true the keyfile is read and the data key unwrapped. An empty
// wrappingKey then opens the engine locked: the keyfile state is loaded but no page
// can be processed until Unlock.
//
// The engine does not retain wrappingKey.
//
// Example:
//
//	engine, err := pagecrypt.NewEngine("app.db", []byte("pw1"), false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	ciphertext, err := engine.EncryptPage(page, 4096, 1)
func NewEngine(dbFileName string, wrappingKey []byte, exists bool) (*Engine, error) {
	return NewEngineWithOptions(dbFileName, wrappingKey, exists, nil)
}

// NewEngineWithOptions creates an engine with custom options.
func NewEngineWithOptions(dbFileName string, wrappingKey []byte, exists bool, opts *EngineOptions) (*Engine, error) {
	if dbFileName == "" {
		return nil, newError(ErrKeyFileOpen, ErrCodeKeyFileOpen, "database file name cannot be empty")
	}
	if opts == nil {
		opts = &EngineOptions{}
	}

	dc := opts.DataCrypto
	if dc == nil {
		cfg := opts.Config
		if cfg == nil {
			cfg = DefaultConfig()
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		var err error
		if dc, err = NewDataCrypto(cfg.DataCryptoOptions()); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	e := &Engine{
		id:          uuid.New().String(),
		dbFileName:  dbFileName,
		keyFilePath: KeyFilePath(dbFileName),
		dc:          dc,
		extra:       dc.ExtraSize(),
		metrics:     opts.Metrics,
	}
	e.logger = logger.WithFields(logrus.Fields{
		"engine_id": e.id,
		"keyfile":   e.keyFilePath,
	})

	var err error
	if !exists {
		err = e.generateKey(wrappingKey)
	} else {
		err = e.loadKeyFile()
		if err == nil && len(wrappingKey) > 0 {
			err = e.unwrapKey(wrappingKey)
		}
	}
	if err != nil {
		e.wipe()
		return nil, err
	}

	e.metrics.engineOpened()
	e.logger.WithFields(logrus.Fields{
		"existing":       exists,
		"locked":         e.dek == nil,
		"first_page":     len(e.firstPage) > 0,
		"wrapped_key_fp": GetKeyFingerprint(e.wrappedKey),
	}).Debug("page cipher engine opened")
	return e, nil
}

// generateKey creates the data key and wraps it under wrappingKey.
func (e *Engine) generateKey(wrappingKey []byte) error {
	key, err := e.dc.GenerateKey()
	if err != nil {
		return wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to generate data key")
	}
	defer Zeroize(key)

	wrapped, err := e.dc.WrapKey(key, wrappingKey)
	if err != nil {
		return asKeyError(ErrKeyWrap, err, ErrCodeKeyWrap, "failed to wrap data key")
	}
	if err := e.setKey(key); err != nil {
		return err
	}
	e.wrappedKey = wrapped
	return nil
}

// unwrapKey recovers the data key from the loaded wrapped key.
func (e *Engine) unwrapKey(wrappingKey []byte) error {
	key, err := e.dc.UnwrapKey(e.wrappedKey, wrappingKey)
	if err != nil {
		return asKeyError(ErrKeyUnwrap, err, ErrCodeKeyUnwrap, "failed to unwrap data key")
	}
	defer Zeroize(key)
	return e.setKey(key)
}

// setKey moves key into guarded memory, replacing any previous data key.
func (e *Engine) setKey(key []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	buf := memguard.NewBufferFromBytes(key)
	buf.Freeze()
	if e.dek != nil {
		e.dek.Destroy()
	}
	e.dek = buf
	return nil
}

// key returns the data key or ErrKeyUnavailable while locked.
func (e *Engine) key() ([]byte, error) {
	if e.dek == nil || !e.dek.IsAlive() {
		return nil, newError(ErrKeyUnavailable, ErrCodeKeyUnavailable, "engine is locked; call Unlock with the wrapping key")
	}
	return e.dek.Bytes(), nil
}

// loadKeyFile reads the wrapped key and page-1 cache from disk.
func (e *Engine) loadKeyFile() error {
	wrapped, firstPage, err := readKeyFile(e.keyFilePath)
	e.metrics.recordKeyFile("read", err)
	if err != nil {
		e.logger.WithError(err).Error("failed to read keyfile")
		return err
	}
	e.wrappedKey = wrapped
	e.firstPage = firstPage
	return nil
}

// persist writes the current wrapped key and page-1 cache to the keyfile.
func (e *Engine) persist() error {
	return e.persistRecords(e.wrappedKey, e.firstPage)
}

func (e *Engine) persistRecords(wrappedKey, firstPage []byte) error {
	err := writeKeyFile(e.keyFilePath, wrappedKey, firstPage)
	e.metrics.recordKeyFile("write", err)
	if err != nil {
		e.logger.WithError(err).Error("failed to write keyfile")
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"wrapped_key_fp":  GetKeyFingerprint(wrappedKey),
		"first_page_size": len(firstPage),
	}).Debug("keyfile written")
	return nil
}

// checkOpen rejects calls on a closed engine.
func (e *Engine) checkOpen() error {
	if e.closed {
		return newError(ErrEngineClosed, ErrCodeEngineClosed, "engine is closed")
	}
	return nil
}

// Unlock unwraps the data key of an engine opened locked. On an unlocked engine it
// re-verifies wrappingKey against the stored wrapped key.
func (e *Engine) Unlock(wrappingKey []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(e.wrappedKey) == 0 {
		return newError(ErrKeyUnwrap, ErrCodeKeyUnwrap, "no wrapped key loaded")
	}
	return e.unwrapKey(wrappingKey)
}

// Locked reports whether the engine is waiting for Unlock.
func (e *Engine) Locked() bool {
	return e.dek == nil
}

// Persist writes the keyfile now instead of waiting for the first page-1 write.
func (e *Engine) Persist() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.persist()
}

// resizePageBuffers sets both scratch buffers to size zeroed bytes, wiping whatever
// they held before.
func (e *Engine) resizePageBuffers(size int) {
	e.in = resizeScratch(e.in, size)
	e.out = resizeScratch(e.out, size)
}

func resizeScratch(buf []byte, size int) []byte {
	clearBuffer(buf[:cap(buf)])
	if cap(buf) >= size {
		return buf[:size]
	}
	return make([]byte, size)
}

// ensurePageBuffers resizes the scratch buffers when the page size changed.
func (e *Engine) ensurePageBuffers(size int) {
	if len(e.in) != size || len(e.out) != size {
		e.resizePageBuffers(size)
	}
}

// EncryptPage encrypts the first pageSize bytes of page as page number pageNo and
// returns pageSize+ExtraSize() bytes of ciphertext.
//
// The returned slice aliases the engine's output buffer and is only valid until the
// next call on the engine; copy it out before reuse. Encrypting page 1 also refreshes
// the keyfile's page-1 cache and writes the keyfile before returning.
func (e *Engine) EncryptPage(page []byte, pageSize, pageNo uint32) (ciphertext []byte, err error) {
	defer func() { e.metrics.recordPage("encrypt", err) }()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.checkPage(len(page), pageSize, pageNo, int(pageSize)); err != nil {
		return nil, err
	}
	key, err := e.key()
	if err != nil {
		return nil, err
	}

	n := int(pageSize) + int(e.extra)
	e.ensurePageBuffers(n)
	copy(e.in[:pageSize], page[:pageSize])

	if err := e.dc.Encrypt(pageNo, e.in[:pageSize], e.out[:n], key); err != nil {
		return nil, err
	}

	if pageNo == 1 {
		if err := e.refreshFirstPage(e.out[:n]); err != nil {
			return nil, err
		}
	}
	return e.out[:n], nil
}

// refreshFirstPage replaces the page-1 cache with ciphertext and writes the keyfile.
// The in-memory cache only changes once the keyfile write succeeded.
func (e *Engine) refreshFirstPage(ciphertext []byte) error {
	cached := make([]byte, len(ciphertext))
	copy(cached, ciphertext)
	if err := e.persistRecords(e.wrappedKey, cached); err != nil {
		return err
	}
	e.firstPage = cached
	e.metrics.recordFirstPageRefresh()
	return nil
}

// DecryptPage decrypts page number pageNo in place.
//
// pageInOut must hold pageSize+ExtraSize() bytes of ciphertext. On success its first
// pageSize bytes hold the plaintext and the remaining ExtraSize() bytes are zeroed.
// A nil pageInOut decrypts whatever ciphertext is already staged in the input buffer;
// the plaintext is then read through PageBufferOut.
//
// Integrity failures return ErrPageAuthentication and must be surfaced as an I/O
// error for that page.
func (e *Engine) DecryptPage(pageInOut []byte, pageSize, pageNo uint32) (err error) {
	defer func() { e.metrics.recordPage("decrypt", err) }()

	if err := e.checkOpen(); err != nil {
		return err
	}
	n := int(pageSize) + int(e.extra)
	staged := len(e.in)
	if pageInOut != nil {
		staged = len(pageInOut)
	}
	if err := e.checkPage(staged, pageSize, pageNo, n); err != nil {
		return err
	}
	key, err := e.key()
	if err != nil {
		return err
	}

	if pageInOut != nil {
		e.ensurePageBuffers(n)
		copy(e.in[:n], pageInOut[:n])
	}

	if err := e.dc.Decrypt(pageNo, e.in[:n], e.out[:pageSize], key); err != nil {
		return asPageError(err, pageNo)
	}

	if pageInOut != nil {
		copy(pageInOut[:pageSize], e.out[:pageSize])
		clearBuffer(pageInOut[pageSize:n])
	}
	return nil
}

// checkPage validates page geometry: have is the buffer length available, need the
// length the operation reads from it.
func (e *Engine) checkPage(have int, pageSize, pageNo uint32, need int) error {
	if pageNo == 0 {
		return newError(ErrInvalidPageNumber, ErrCodePageNumber, "page numbers start at 1")
	}
	if pageSize == 0 {
		return newError(ErrBufferSize, ErrCodeBufferSize, "page size cannot be zero")
	}
	if have < need {
		return newError(ErrBufferSize, ErrCodeBufferSize,
			fmt.Sprintf("buffer holds %d bytes, page size %d needs %d", have, pageSize, need))
	}
	return nil
}

// DecryptFirstPageCache decrypts the page-1 cache loaded from the keyfile, without
// touching the database file and without another unwrap.
//
// The scratch buffers are first reset to max(len(cache), MinPageSize) zeroed bytes.
// With a cache, the returned slice is the plaintext of page 1. Without one it is
// MinPageSize zero bytes, which callers must read as "unknown header". A locked engine
// holding a cache returns the zeroed buffer together with ErrKeyUnavailable.
//
// The returned slice aliases the output buffer, like EncryptPage.
func (e *Engine) DecryptFirstPageCache() ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	size := len(e.firstPage)
	if size < MinPageSize {
		size = MinPageSize
	}
	e.resizePageBuffers(size)

	if len(e.firstPage) == 0 {
		return e.out[:size], nil
	}
	if len(e.firstPage) <= int(e.extra) {
		return e.out[:size], newError(ErrKeyFileCorrupt, ErrCodeKeyFileCorrupt,
			fmt.Sprintf("page-1 cache of %d bytes is shorter than the cipher overhead", len(e.firstPage)))
	}
	key, err := e.key()
	if err != nil {
		return e.out[:size], err
	}

	plainLen := len(e.firstPage) - int(e.extra)
	if err := e.dc.Decrypt(1, e.firstPage, e.out[:plainLen], key); err != nil {
		clearBuffer(e.out)
		return e.out[:size], asPageError(err, 1)
	}
	return e.out[:plainLen], nil
}

// PageBufferOut returns the output scratch buffer, where DecryptPage(nil, ...) leaves
// its plaintext.
func (e *Engine) PageBufferOut() []byte {
	return e.out
}

// ExtraSize returns the per-page ciphertext overhead. Any buffer holding ciphertext
// must be sized pageSize+ExtraSize().
func (e *Engine) ExtraSize() uint32 {
	return e.dc.ExtraSize()
}

// ID returns the engine identifier used in logs.
func (e *Engine) ID() string { return e.id }

// DatabaseFileName returns the database file this engine is bound to.
func (e *Engine) DatabaseFileName() string { return e.dbFileName }

// KeyFilePath returns the companion keyfile path.
func (e *Engine) KeyFilePath() string { return e.keyFilePath }

// HasFirstPageCache reports whether a page-1 ciphertext is cached.
func (e *Engine) HasFirstPageCache() bool { return len(e.firstPage) > 0 }

// Close destroys the data key and wipes the scratch buffers. Further calls fail
// with ErrEngineClosed; closing twice is a no-op.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.wipe()
	e.closed = true
	e.metrics.engineClosed()
	e.logger.Debug("page cipher engine closed")
	return nil
}

// wipe releases every piece of key-adjacent state.
func (e *Engine) wipe() {
	if e.dek != nil {
		e.dek.Destroy()
		e.dek = nil
	}
	clearBuffer(e.in[:cap(e.in)])
	clearBuffer(e.out[:cap(e.out)])
	e.in, e.out = nil, nil
	e.wrappedKey = nil
	e.firstPage = nil
}

// asKeyError makes sure a capability error carries the wrap/unwrap sentinel.
func asKeyError(sentinel, err error, code goerrors.ErrorCode, msg string) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return wrapError(sentinel, err, code, msg)
}

// asPageError maps a capability decrypt failure to ErrPageAuthentication unless it
// already carries a more specific sentinel.
func asPageError(err error, pageNo uint32) error {
	if errors.Is(err, ErrPageAuthentication) || errors.Is(err, ErrBufferSize) ||
		errors.Is(err, ErrInvalidPageNumber) || errors.Is(err, ErrInvalidKeySize) {
		return err
	}
	return wrapError(ErrPageAuthentication, err, ErrCodePageAuth, fmt.Sprintf("page %d failed to decrypt", pageNo))
}
