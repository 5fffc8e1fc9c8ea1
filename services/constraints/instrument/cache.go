// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// cacheKeyPrefix namespaces instrumented files. The version segment changes
// when the stored layout changes.
const cacheKeyPrefix = "instrument/v1/"

var errCacheMiss = errors.New("instrument cache miss")

type cacheEntry struct {
	SourceHash string    `json:"source_hash"`
	Content    []byte    `json:"content"`
	StoredAt   time.Time `json:"stored_at"`
}

// Cache stores instrumented files in BadgerDB, keyed by file name and
// validated against the hash of the original content.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	owned  bool
	logger *slog.Logger
}

// OpenCache opens a BadgerDB cache at dir. An empty dir opens an in-memory
// database.
func OpenCache(dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening instrumentation cache: %w", err)
	}
	c := NewCache(db, ttl, logger)
	c.owned = true
	return c, nil
}

// NewCache wraps an open database. The caller keeps ownership of db.
// A zero ttl stores entries without expiry.
func NewCache(db *badger.DB, ttl time.Duration, logger *slog.Logger) *Cache {
	if db == nil {
		panic("NewCache: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, ttl: ttl, logger: logger}
}

// HashSource returns the hex SHA256 of content.
func HashSource(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func cacheKey(name string) []byte {
	return []byte(cacheKeyPrefix + name)
}

// Get returns the instrumented content stored for name when it was produced
// from an original with sourceHash.
func (c *Cache) Get(ctx context.Context, name, sourceHash string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})
	if errors.Is(err, errCacheMiss) {
		c.logger.Debug("instrument cache: miss", slog.String("name", name))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("instrument cache load: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("instrument cache decode: %w", err)
	}
	if entry.SourceHash != sourceHash {
		c.logger.Debug("instrument cache: stale", slog.String("name", name))
		return nil, false, nil
	}
	c.logger.Debug("instrument cache: hit", slog.String("name", name), slog.Int("bytes", len(entry.Content)))
	return entry.Content, true, nil
}

// Put stores content for name.
func (c *Cache) Put(ctx context.Context, name, sourceHash string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(cacheEntry{SourceHash: sourceHash, Content: content, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("instrument cache encode: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(name), raw)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("instrument cache save: %w", err)
	}
	return nil
}

// Delete removes the entry for name. A missing entry is not an error.
func (c *Cache) Delete(name string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(name))
	})
	if err != nil {
		return fmt.Errorf("instrument cache delete: %w", err)
	}
	return nil
}

// Names lists the cached file names.
func (c *Cache) Names() ([]string, error) {
	var names []string
	prefix := []byte(cacheKeyPrefix)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("instrument cache list: %w", err)
	}
	return names, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	if err := c.db.DropPrefix([]byte(cacheKeyPrefix)); err != nil {
		return fmt.Errorf("instrument cache clear: %w", err)
	}
	return nil
}

// Close closes the database if the cache opened it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}
