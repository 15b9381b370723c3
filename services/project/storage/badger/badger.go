// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger keeps per-resource properties, such as the chosen trace
// type, in a BadgerDB directory next to the workspace. A trace whose type
// was chosen once reopens with that type after a restart.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned by OpenDB for a persistent store without a
// directory.
var ErrPathRequired = errors.New("properties database path is required")

// Property values are a few bytes; keep them in the LSM tree and keep the
// memtable small.
const (
	valueThreshold = 1 << 10
	memTableSize   = 8 << 20
)

// Config describes where and how the properties database is opened.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Used by tests and by
	// configurations that do not persist trace types.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's own warnings and errors. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	// Default: 0.5
	GCDiscardRatio float64
}

// DefaultConfig returns the configuration of a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the configuration of a throwaway store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

func (c Config) options() (badger.Options, error) {
	if c.InMemory {
		return badger.DefaultOptions("").WithInMemory(true), nil
	}
	if c.Path == "" {
		return badger.Options{}, ErrPathRequired
	}
	if err := os.MkdirAll(c.Path, 0o750); err != nil {
		return badger.Options{}, fmt.Errorf("create %s: %w", c.Path, err)
	}
	return badger.DefaultOptions(c.Path).
		WithValueThreshold(valueThreshold).
		WithMemTableSize(memTableSize), nil
}

// slogAdapter routes badger's printf-style logging into slog. Badger's
// info chatter (compactions, replays) is demoted to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is an open properties database.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called once.
type DB struct {
	*badger.DB

	stopGC context.CancelFunc
	gcDone sync.WaitGroup
}

// OpenDB opens the database described by cfg and, for persistent stores
// with a GC interval, starts value log garbage collection.
//
// # Outputs
//
//   - *DB: The open database. Call Close when done.
//   - error: ErrPathRequired, or the badger open failure.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		logger = logger.With(slog.String("component", "properties_db"))
		opts = opts.WithLogger(slogAdapter{logger: logger})
	} else {
		logger = slog.New(slog.DiscardHandler)
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open properties database: %w", err)
	}

	db := &DB{DB: bdb, stopGC: func() {}}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		ctx, cancel := context.WithCancel(context.Background())
		db.stopGC = cancel
		db.gcDone.Add(1)
		go db.collect(ctx, cfg.GCInterval, ratio, logger)
	}
	return db, nil
}

func (d *DB) collect(ctx context.Context, every time.Duration, ratio float64, logger *slog.Logger) {
	defer d.gcDone.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Rewrite until nothing is left to reclaim.
			for {
				err := d.RunValueLogGC(ratio)
				if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
					break
				}
				if err != nil {
					logger.Warn("value log gc", slog.String("error", err.Error()))
					break
				}
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (d *DB) Close() error {
	d.stopGC()
	d.gcDone.Wait()
	return d.DB.Close()
}

// WithTxn runs fn in a read-write transaction and commits when fn returns
// nil. A done ctx fails before fn runs.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("properties update: %w", err)
	}
	return d.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("properties read: %w", err)
	}
	return d.View(fn)
}
