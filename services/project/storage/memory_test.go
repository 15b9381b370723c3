// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"/test/Traces/", "test/Traces", false},
		{`test\Traces\a`, "test/Traces/a", false},
		{"test/../etc", "", true},
		{"test//a", "", true},
		{"./test", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "test/Traces", Parent("test/Traces/a"))
	assert.Equal(t, "", Parent("test"))
	assert.Equal(t, "a", Base("test/Traces/a"))
	assert.Equal(t, []string{"test", "Traces"}, Segments("test/Traces"))
	assert.Nil(t, Segments(""))
	assert.True(t, IsWithin("test/Traces/a", "test/Traces"))
	assert.True(t, IsWithin("test/Traces", "test/Traces"))
	assert.False(t, IsWithin("test/TracesX", "test/Traces"))
	assert.Equal(t, "test/.tracing/a", Join("test", ".tracing", "a"))
}

func TestMemoryProvider_CreateListDelete(t *testing.T) {
	m := NewMemoryProvider("/ws")

	require.NoError(t, m.Create("test/Traces/b.trace", []byte("2")))
	require.NoError(t, m.Create("test/Traces/a.trace", []byte("1")))
	require.NoError(t, m.CreateFolder("test/Experiments"))

	entries, err := m.List("test/Traces")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.trace", entries[0].Name)
	assert.Equal(t, "test/Traces/a.trace", entries[0].Path)
	assert.Equal(t, KindFile, entries[0].Kind)
	assert.Equal(t, "/ws/test/Traces/a.trace", entries[0].Location)

	projects, err := m.List("")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.True(t, projects[0].IsFolder())

	require.NoError(t, m.Delete("test/Traces"))
	assert.False(t, m.Exists("test/Traces/a.trace"))
	_, err = m.List("test/Traces")
	assert.ErrorIs(t, err, ErrNotExist)

	// Deleting a missing entry is not an error.
	assert.NoError(t, m.Delete("test/nothing"))
}

func TestMemoryProvider_Links(t *testing.T) {
	m := NewMemoryProvider("/ws")
	require.NoError(t, m.Create("test/Traces/k.trace", []byte("x")))
	require.NoError(t, m.CreateLink("test/Experiments/e/k.trace", "test/Traces/k.trace"))

	entry, err := m.Stat("test/Experiments/e/k.trace")
	require.NoError(t, err)
	assert.Equal(t, KindLink, entry.Kind)
	assert.Equal(t, "test/Traces/k.trace", entry.Target)
	assert.Equal(t, "/ws/test/Traces/k.trace", entry.Location)
	assert.True(t, m.Exists("test/Experiments/e/k.trace"))

	data, err := m.Read("test/Experiments/e/k.trace")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	require.NoError(t, m.Delete("test/Traces/k.trace"))
	assert.False(t, m.Exists("test/Experiments/e/k.trace"), "broken link must not exist")
	_, err = m.Stat("test/Experiments/e/k.trace")
	assert.NoError(t, err, "the link entry itself remains")
}

func TestMemoryProvider_BatchPerMutation(t *testing.T) {
	m := NewMemoryProvider("")
	var batches []Batch
	m.Subscribe(func(b Batch) { batches = append(batches, b) })

	require.NoError(t, m.Create("p/Traces/a", nil))
	require.Len(t, batches, 1)
	assert.Equal(t, []Change{
		{Path: "p", Kind: ChangeAdded},
		{Path: "p/Traces", Kind: ChangeAdded},
		{Path: "p/Traces/a", Kind: ChangeAdded},
	}, batches[0].Changes)

	require.NoError(t, m.Create("p/Traces/a", []byte("more")))
	require.Len(t, batches, 2)
	assert.Equal(t, []Change{{Path: "p/Traces/a", Kind: ChangeContent}}, batches[1].Changes)

	require.NoError(t, m.Move("p/Traces/a", "p/Traces/sub/a"))
	require.Len(t, batches, 3)
	last := batches[2].Changes[len(batches[2].Changes)-1]
	assert.Equal(t, Change{Path: "p/Traces/sub/a", Kind: ChangeMoved, MovedFrom: "p/Traces/a"}, last)
}

func TestMemoryProvider_RunAtomicSingleBatch(t *testing.T) {
	m := NewMemoryProvider("")
	require.NoError(t, m.CreateFolder("p/.tracing"))

	var batches []Batch
	m.Subscribe(func(b Batch) { batches = append(batches, b) })

	err := m.RunAtomic(func() error {
		if err := m.Create("p/.tracing/a/bounds", []byte{1}); err != nil {
			return err
		}
		return m.Delete("p/.tracing/b")
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Len())
}

func TestMemoryProvider_NoReentrantDelivery(t *testing.T) {
	m := NewMemoryProvider("")
	depth := 0
	maxDepth := 0
	var seen []string
	m.Subscribe(func(b Batch) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		for _, c := range b.Changes {
			seen = append(seen, c.Path)
			if c.Path == "p/a" {
				// Mutating from inside a handler queues the batch.
				require.NoError(t, m.Create("p/b", nil))
			}
		}
		depth--
	})

	require.NoError(t, m.Create("p/a", nil))
	assert.Equal(t, 1, maxDepth)
	assert.Equal(t, []string{"p", "p/a", "p/b"}, seen)
}

func TestMemoryProperties(t *testing.T) {
	s := NewMemoryProperties()
	require.NoError(t, s.Set("p/Traces/a", "type", "text"))
	require.NoError(t, s.Set("p/Traces/a/inner", "type", "x"))
	require.NoError(t, s.Set("p/Traces/ab", "type", "y"))

	v, ok, err := s.Get("p/Traces/a", "type")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "text", v)

	require.NoError(t, s.DeletePrefix("p/Traces/a"))
	_, ok, _ = s.Get("p/Traces/a", "type")
	assert.False(t, ok)
	_, ok, _ = s.Get("p/Traces/a/inner", "type")
	assert.False(t, ok)
	_, ok, _ = s.Get("p/Traces/ab", "type")
	assert.True(t, ok, "sibling with shared name prefix survives")
}
