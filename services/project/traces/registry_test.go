// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traces

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopFactory(context.Context, string) (Trace, error) { return nil, nil }

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Type{ID: "a", Extensions: []string{".a"}, Factory: nopFactory}))
	assert.ErrorIs(t, r.Register(Type{ID: "a", Factory: nopFactory}), ErrDuplicateType)
	assert.Error(t, r.Register(Type{ID: "b"}), "nil factory")

	f, err := r.Resolve("a")
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_DetectType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Type{ID: "text", Extensions: []string{".trace"}, Factory: nopFactory}))
	require.NoError(t, r.Register(Type{ID: "binary", Extensions: []string{".trace", ".bin"}, Factory: nopFactory}))
	require.NoError(t, r.Register(Type{ID: "exp", Experiment: true, Detect: func(string) bool { return true }, Factory: nopFactory}))
	require.NoError(t, r.Register(Type{
		ID:        "ctf",
		Directory: true,
		Detect:    func(loc string) bool { return strings.HasSuffix(loc, ".ctf") },
		Factory:   nopFactory,
	}))

	id, err := r.DetectType("/ws/p/Traces/x.bin", "")
	require.NoError(t, err)
	assert.Equal(t, "binary", id)

	_, err = r.DetectType("/ws/p/Traces/x.trace", "")
	var ambiguous *AmbiguousTypeError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"text", "binary"}, ambiguous.Candidates)

	id, err = r.DetectType("/ws/p/Traces/x.trace", "text")
	require.NoError(t, err)
	assert.Equal(t, "text", id)

	_, err = r.DetectType("/ws/p/Traces/x.unknown", "nope")
	assert.ErrorIs(t, err, ErrUnknownType)

	assert.True(t, r.IsDirectoryTrace("/ws/p/Traces/kernel.ctf"))
	assert.False(t, r.IsDirectoryTrace("/ws/p/Traces/sub"))

	exp, ok := r.ExperimentType()
	assert.True(t, ok)
	assert.Equal(t, "exp", exp)
}

func TestRegistry_Analyses(t *testing.T) {
	r := NewRegistry()
	r.RegisterAnalysis("text", AnalysisSpec{ID: "cpu", Name: "CPU usage"})
	r.RegisterAnalysis("text", AnalysisSpec{ID: "mem", Name: "Memory"})
	r.RegisterAnalysis("text", AnalysisSpec{ID: "cpu", Name: "CPU usage v2"})

	specs := r.Analyses("text")
	require.Len(t, specs, 2)
	assert.Equal(t, "CPU usage v2", specs[0].Name)

	r.UnregisterAnalysis("text", "cpu")
	assert.Equal(t, []AnalysisSpec{{ID: "mem", Name: "Memory"}}, r.Analyses("text"))
	assert.Empty(t, r.Analyses("other"))
}

func TestTextTrace_Bounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.trace")
	require.NoError(t, os.WriteFile(path, []byte("# header\n100\n\n250\n500\n"), 0644))

	tr, err := OpenTextTrace(context.Background(), path)
	require.NoError(t, err)
	defer tr.Close()

	start, err := tr.ReadStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timestamp(100), start)

	end, err := tr.ReadEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timestamp(500), end)

	m := tr.AnalysisModule(StatisticsID)
	require.NotNil(t, m)
	assert.True(t, m.CanExecute())
	assert.Len(t, m.Outputs(), 2)
	assert.Nil(t, tr.AnalysisModule("other"))
}

func TestTextTrace_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.trace")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	tr, err := OpenTextTrace(context.Background(), path)
	require.NoError(t, err)

	_, err = tr.ReadStart(context.Background())
	assert.ErrorIs(t, err, ErrNoEvents)
	assert.False(t, tr.AnalysisModule(StatisticsID).CanExecute())
}

func TestExperimentFactory(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.trace"), []byte("100\n300\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.trace"), []byte("50\n200\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0644))

	factory, err := r.Resolve(ExperimentTypeID)
	require.NoError(t, err)
	exp, err := factory(context.Background(), dir)
	require.NoError(t, err)
	defer exp.Close()

	start, err := exp.ReadStart(context.Background())
	require.NoError(t, err)
	end, err := exp.ReadEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timestamp(50), start)
	assert.Equal(t, Timestamp(300), end)
}

func TestTimestamp_String(t *testing.T) {
	assert.Equal(t, "big-bang", BigBang.String())
	assert.Equal(t, "42", Timestamp(42).String())
}
