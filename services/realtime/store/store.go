// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the durable local store backing reminder schedules.
//
// Records live in BadgerDB under collection-scoped keys, serialized as
// JSON. Durability is the point: reminder rows written here survive
// process restarts, which is what lets the scheduler pick bookings back
// up after a crash. Tests run the same store in memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("record not found")

// Config holds configuration for the store.
type Config struct {
	// Path is the directory for database files. Required unless InMemory
	// is true.
	Path string

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool

	// SyncWrites forces synchronous writes. Default: true for
	// persistent stores; reminder rows must survive a crash immediately
	// after Put returns.
	SyncWrites bool

	// Logger receives the database's internal log output. Nil disables
	// it.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs.
	// Default: 5m. Zero disables GC; in-memory stores never run it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a value
	// log rewrite. Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a persistent store.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a config for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to the database's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a collection/key document store over BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying database provides transaction
// isolation.
type Store struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens the store.
//
// # Inputs
//
//   - cfg: store configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *Store: the opened store. Caller must Close it.
//   - error: non-nil when the path is invalid or the database cannot
//     open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		go s.gcLoop(cfg.GCInterval, ratio, cfg.Logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database. Safe to call
// once.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// Put serializes v as JSON under collection/key, overwriting any
// existing record.
func (s *Store) Put(ctx context.Context, collection, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(collection, key), raw)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Get loads collection/key into out.
//
// # Outputs
//
//   - error: ErrNotFound when the key does not exist.
func (s *Store) Get(ctx context.Context, collection, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes collection/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// List walks every record in a collection in key order.
//
// # Inputs
//
//   - fn: invoked per record with the bare key (collection prefix
//     stripped) and the raw JSON value. Returning an error stops the walk
//     and surfaces the error.
func (s *Store) List(ctx context.Context, collection string, fn func(key string, raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := recordKey(collection, "")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			err := item.Value(func(val []byte) error {
				return fn(key, append([]byte(nil), val...))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs a read-modify-write on collection/key inside one
// transaction. fn receives the raw current value (nil when absent) and
// returns the replacement; returning nil raw deletes the record.
func (s *Store) Update(ctx context.Context, collection, key string, fn func(raw []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		k := recordKey(collection, key)

		var current []byte
		item, err := txn.Get(k)
		switch {
		case err == nil:
			current, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return txn.Delete(k)
		}
		return txn.Set(k, next)
	})
}

func recordKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

// gcLoop periodically rewrites the value log. ErrNoRewrite just means
// there was nothing worth collecting.
func (s *Store) gcLoop(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("store value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
