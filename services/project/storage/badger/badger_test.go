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
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenDB(DefaultConfig(dir))
	require.NoError(t, err)
	props := NewProperties(db)
	require.NoError(t, props.Set("test/Traces/kernel.trace", "trace.type", "text"))
	require.NoError(t, db.Close())

	db2, err := OpenDB(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	v, ok, err := NewProperties(db2).Get("test/Traces/kernel.trace", "trace.type")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "text", v)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProperties_GetSetDelete(t *testing.T) {
	props := NewProperties(openTestDB(t))

	_, ok, err := props.Get("p/a", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, props.Set("p/a", "k", "v1"))
	require.NoError(t, props.Set("p/a", "k", "v2"))
	v, ok, err := props.Get("p/a", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, props.Delete("p/a", "k"))
	_, ok, err = props.Get("p/a", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProperties_DeletePrefix(t *testing.T) {
	props := NewProperties(openTestDB(t))
	require.NoError(t, props.Set("p/Traces/a", "type", "text"))
	require.NoError(t, props.Set("p/Traces/a/inner", "type", "x"))
	require.NoError(t, props.Set("p/Traces/ab", "type", "y"))

	require.NoError(t, props.DeletePrefix("p/Traces/a"))

	_, ok, _ := props.Get("p/Traces/a", "type")
	assert.False(t, ok)
	_, ok, _ = props.Get("p/Traces/a/inner", "type")
	assert.False(t, ok)
	_, ok, _ = props.Get("p/Traces/ab", "type")
	assert.True(t, ok, "sibling with shared name prefix survives")
}
