// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianProjects/services/project/storage"
)

const propPrefix = "prop\x00"

// Properties is a storage.PropertyStore persisted in BadgerDB.
//
// # Description
//
// Keys are laid out as "prop\x00<path>\x00<key>" so that all properties of a
// resource share a prefix and DeletePrefix can remove a resource together
// with everything below it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Properties struct {
	db *DB
}

var _ storage.PropertyStore = (*Properties)(nil)

// NewProperties wraps an open database.
func NewProperties(db *DB) *Properties {
	return &Properties{db: db}
}

func propKey(path, key string) []byte {
	return []byte(propPrefix + path + "\x00" + key)
}

// Get implements storage.PropertyStore.
func (p *Properties) Get(path, key string) (string, bool, error) {
	var value string
	found := false
	err := p.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get(propKey(path, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("get property %s of %s: %w", key, path, err)
	}
	return value, found, nil
}

// Set implements storage.PropertyStore.
func (p *Properties) Set(path, key, value string) error {
	err := p.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set(propKey(path, key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set property %s of %s: %w", key, path, err)
	}
	return nil
}

// Delete implements storage.PropertyStore.
func (p *Properties) Delete(path, key string) error {
	err := p.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Delete(propKey(path, key))
	})
	if err != nil {
		return fmt.Errorf("delete property %s of %s: %w", key, path, err)
	}
	return nil
}

// DeletePrefix implements storage.PropertyStore.
func (p *Properties) DeletePrefix(path string) error {
	own := []byte(propPrefix + path + "\x00")
	below := []byte(propPrefix + strings.TrimSuffix(path, "/") + "/")

	var keys [][]byte
	err := p.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		for _, prefix := range [][]byte{own, below} {
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan properties of %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete properties of %s: %w", path, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete properties of %s: %w", path, err)
	}
	return nil
}
