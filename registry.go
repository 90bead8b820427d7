// registry.go: Explicit registry of open page cipher engines.
//
// A host that intercepts database file opens needs two things from the crypto layer:
// somewhere to stage the wrapping key before the open happens, and a way to find the
// engine of an already-open database. The Registry provides both without any global
// state; hosts create one and inject it where files are opened.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/sirupsen/logrus"
)

// RegistryOptions configures every engine a Registry opens.
type RegistryOptions struct {
	DataCrypto DataCrypto
	Config     *Config
	Logger     logrus.FieldLogger
	Metrics    *Metrics
}

// RegistryEntry describes one open database.
type RegistryEntry struct {
	Path     string
	Engine   *Engine
	OpenedAt time.Time
}

// Registry maps database paths to their engines. It is safe for concurrent use; the
// engines it hands out are not. An engine closed directly rather than through Remove
// no longer counts as open: Lookup reports ErrNotOpen and the next Open replaces it.
type Registry struct {
	mu      sync.Mutex
	opts    RegistryOptions
	staged  map[string][]byte
	entries map[string]*RegistryEntry
	closed  bool
}

// NewRegistry creates an empty registry. opts may be nil.
func NewRegistry(opts *RegistryOptions) *Registry {
	r := &Registry{
		staged:  make(map[string][]byte),
		entries: make(map[string]*RegistryEntry),
	}
	if opts != nil {
		r.opts = *opts
	}
	if r.opts.Logger == nil {
		r.opts.Logger = discardLogger()
	}
	return r
}

// canonicalPath turns dbPath into the registry key.
func canonicalPath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", newError(ErrKeyFileOpen, ErrCodeRegistry, "database path cannot be empty")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", wrapError(ErrKeyFileOpen, err, ErrCodeRegistry, "failed to resolve database path")
	}
	return abs, nil
}

func (r *Registry) checkOpen() error {
	if r.closed {
		return newError(ErrEngineClosed, ErrCodeRegistry, "registry is closed")
	}
	return nil
}

// Prepare stages wrappingKey for the next Open of dbPath. The registry keeps its own
// copy, wiped once Open consumes it or the registry closes. Preparing again replaces
// the staged key.
func (r *Registry) Prepare(dbPath string, wrappingKey []byte) error {
	path, err := canonicalPath(dbPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if old, ok := r.staged[path]; ok {
		Zeroize(old)
	}
	staged := make([]byte, len(wrappingKey))
	copy(staged, wrappingKey)
	r.staged[path] = staged
	return nil
}

// Open creates the engine for dbPath using the staged wrapping key, which is consumed
// whether or not the open succeeds. Without a staged key an existing database opens
// locked and a new one fails with ErrKeyWrap.
func (r *Registry) Open(dbPath string, exists bool) (*Engine, error) {
	path, err := canonicalPath(dbPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	wrappingKey := r.staged[path]
	delete(r.staged, path)
	defer Zeroize(wrappingKey)

	if entry, ok := r.entries[path]; ok {
		if !entry.Engine.closed {
			return nil, newError(ErrAlreadyOpen, ErrCodeRegistry, fmt.Sprintf("database %s is already open", path))
		}
		// Closed directly instead of through Remove.
		delete(r.entries, path)
	}

	engine, err := NewEngineWithOptions(path, wrappingKey, exists, &EngineOptions{
		DataCrypto: r.opts.DataCrypto,
		Config:     r.opts.Config,
		Logger:     r.opts.Logger,
		Metrics:    r.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	r.entries[path] = &RegistryEntry{
		Path:     path,
		Engine:   engine,
		OpenedAt: timecache.CachedTime().UTC(),
	}
	r.opts.Logger.WithFields(logrus.Fields{
		"database":  path,
		"engine_id": engine.ID(),
	}).Debug("database registered")
	return engine, nil
}

// Lookup returns the engine of an open database or ErrNotOpen.
func (r *Registry) Lookup(dbPath string) (*Engine, error) {
	entry, err := r.Entry(dbPath)
	if err != nil {
		return nil, err
	}
	return entry.Engine, nil
}

// Entry returns a copy of the registry entry of an open database or ErrNotOpen.
func (r *Registry) Entry(dbPath string) (RegistryEntry, error) {
	path, err := canonicalPath(dbPath)
	if err != nil {
		return RegistryEntry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[path]
	if !ok || entry.Engine.closed {
		return RegistryEntry{}, newError(ErrNotOpen, ErrCodeRegistry, fmt.Sprintf("database %s is not open", path))
	}
	return *entry, nil
}

// Entries returns the open databases sorted by path.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if !entry.Engine.closed {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Remove closes the engine of dbPath and forgets it.
func (r *Registry) Remove(dbPath string) error {
	path, err := canonicalPath(dbPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[path]
	if !ok {
		return newError(ErrNotOpen, ErrCodeRegistry, fmt.Sprintf("database %s is not open", path))
	}
	delete(r.entries, path)
	return entry.Engine.Close()
}

// Close closes every engine, wipes every staged wrapping key and rejects further use.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for path, key := range r.staged {
		Zeroize(key)
		delete(r.staged, path)
	}

	var errs []error
	for path, entry := range r.entries {
		if err := entry.Engine.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.entries, path)
	}
	return errors.Join(errs...)
}
