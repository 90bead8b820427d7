// Package pagecrypt provides transparent page-level encryption for embedded database files.
//
// A storage engine that reads and writes fixed-size pages hands every page to an Engine
// bound to the database file. The Engine encrypts pages with a random 32-byte data key
// and stores that key, wrapped under a caller-supplied wrapping key, in a companion
// keyfile next to the database (the database path plus "-keyfile"). The keyfile also
// caches the ciphertext of page 1 so the database header can be recovered without
// reading the database file itself.
//
// Features:
//   - AES-256-GCM or XChaCha20-Poly1305 pages with a fresh nonce per write
//   - page number bound as authenticated data, so pages cannot be swapped
//   - Argon2id, HKDF-SHA256 or PBKDF2-SHA256 derivation of the wrapping key
//   - crash-safe keyfile replacement (temp file, fsync, rename)
//   - rekey without rewriting pages: only the wrapped key changes
//   - data key held in guarded, mlocked memory (github.com/awnumar/memguard)
//   - HSM-backed key wrapping through github.com/agilira/go-plugins providers
//   - logrus logging, Prometheus metrics and YAML configuration
//
// # Quick Start
//
// Creating a database and writing its first page:
//
//	engine, err := pagecrypt.NewEngine("app.db", []byte("pw1"), false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	// ciphertext is pageSize+ExtraSize() bytes; page 1 also refreshes the keyfile.
//	ciphertext, err := engine.EncryptPage(page, 4096, 1)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Reopening it later:
//
//	engine, err := pagecrypt.NewEngine("app.db", []byte("pw1"), true)
//	if err != nil {
//		// errors.Is(err, pagecrypt.ErrKeyUnwrap) means a wrong wrapping key
//		log.Fatal(err)
//	}
//
//	header, err := engine.DecryptFirstPageCache()
//
//	buf := make([]byte, 4096+engine.ExtraSize())
//	// ... read the stored ciphertext of page 7 into buf ...
//	if err := engine.DecryptPage(buf, 4096, 7); err != nil {
//		// errors.Is(err, pagecrypt.ErrPageAuthentication): corrupted or tampered page
//		log.Fatal(err)
//	}
//	plaintext := buf[:4096]
//
// # Rekey
//
// Rekey re-wraps the data key and atomically rewrites the keyfile. Page ciphertext is
// untouched, so it completes in constant time regardless of database size:
//
//	if err := engine.Rekey([]byte("pw2")); err != nil {
//		log.Fatal(err)
//	}
//
// # Registry and PageFile
//
// Hosts that intercept file opens stage wrapping keys in a Registry and let it create
// engines on open. PageFile combines a Registry with an *os.File and lays page N out at
// offset (N-1)*(pageSize+ExtraSize()):
//
//	reg := pagecrypt.NewRegistry(&pagecrypt.RegistryOptions{Logger: logger})
//	defer reg.Close()
//
//	pf, err := pagecrypt.OpenPageFile(reg, "app.db", []byte("pw1"), 4096)
//
// # Configuration
//
//	cfg, err := pagecrypt.LoadConfig("pagecrypt.yaml")
//	engine, err := pagecrypt.NewEngineWithOptions("app.db", kek, false, &pagecrypt.EngineOptions{
//		Config:  cfg,
//		Metrics: pagecrypt.NewMetrics(prometheus.DefaultRegisterer),
//	})
//
// # Error Handling
//
// Every error wraps one of the exported sentinels (ErrKeyFileOpen, ErrKeyFileCorrupt,
// ErrKeyFilePersist, ErrKeyWrap, ErrKeyUnwrap, ErrPageAuthentication, ErrBufferSize, ...)
// and carries a github.com/agilira/go-errors code. Nothing is retried internally.
//
// # Concurrency
//
// An Engine reuses its scratch buffers and is not safe for concurrent use; serialize
// calls per database. Registry and Metrics are safe for concurrent use.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package pagecrypt
