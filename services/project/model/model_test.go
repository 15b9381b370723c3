// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProjects/services/project/notify"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
	"github.com/AleutianAI/AleutianProjects/services/project/traces/tracetest"
)

const (
	kernelType     = "test.kernel"
	experimentType = "test.experiment"
)

type fixture struct {
	store   *storage.MemoryProvider
	types   *traces.Registry
	factory *tracetest.Factory
	env     *Env
	project *Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryProvider("/ws")
	types := traces.NewRegistry()
	factory := tracetest.NewFactory()
	require.NoError(t, types.Register(traces.Type{
		ID: kernelType, Name: "Kernel", Extensions: []string{".trace"}, Factory: factory.Open,
	}))
	require.NoError(t, types.Register(traces.Type{
		ID: experimentType, Name: "Experiment", Experiment: true, Factory: factory.Open,
	}))
	env := &Env{Storage: store, Types: types, Properties: storage.NewMemoryProperties()}
	return &fixture{
		store:   store,
		types:   types,
		factory: factory,
		env:     env,
		project: NewProject(env, "test"),
	}
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, f.project.Refresh(context.Background()))
}

func (f *fixture) trace(t *testing.T, path string) *TraceElement {
	t.Helper()
	tr := f.project.FindTrace(path)
	require.NotNil(t, tr, "trace %s", path)
	return tr
}

// walk visits every element reachable from root, parents first.
func walk(root Element, fn func(Element)) {
	fn(root)
	for _, c := range root.Children() {
		walk(c, fn)
	}
}

func TestScenario_AnalysisAppearsAfterModuleIsAvailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/kernel.trace", []byte("x")))

	f.refresh(t)
	all := f.project.Traces()
	require.Len(t, all, 1)
	kernel := all[0]
	assert.Equal(t, "kernel.trace", kernel.Name())
	require.NotNil(t, kernel.Views())
	assert.Empty(t, kernel.Views().Children())

	f.types.RegisterAnalysis(kernelType, traces.AnalysisSpec{ID: "cpu", Name: "CPU usage"})
	f.refresh(t)

	assert.Same(t, kernel, f.project.Traces()[0])
	analyses := kernel.Views().Analyses()
	require.Len(t, analyses, 1)
	assert.Equal(t, "CPU usage", analyses[0].Name())
	assert.True(t, analyses[0].CanExecute())
	assert.Empty(t, analyses[0].Children())

	module := tracetest.NewModule("cpu", "CPU usage", "Per-CPU load").
		SetOutputs(traces.Output{ID: "cpu.xy", Name: "CPU Usage XY"})
	f.factory.Set(kernel.Location(), tracetest.NewTrace(1, 2).WithModule(module))
	_, err := kernel.Open(context.Background())
	require.NoError(t, err)

	require.Len(t, analyses[0].Children(), 1)
	assert.Equal(t, "CPU Usage XY", analyses[0].Children()[0].Name())
	assert.Equal(t, "Per-CPU load", analyses[0].HelpText())
}

func buildWorkspace(t *testing.T, f *fixture) {
	t.Helper()
	for _, p := range []string{
		"test/Traces/a.trace",
		"test/Traces/b.trace",
		"test/Traces/sub/c.trace",
		"test/.tracing/a.trace/bounds",
	} {
		require.NoError(t, f.store.Create(p, []byte("x")))
	}
	require.NoError(t, f.store.CreateLink("test/Experiments/exp/a.trace", "test/Traces/a.trace"))
	require.NoError(t, f.store.CreateLink("test/Experiments/exp/c.trace", "test/Traces/sub/c.trace"))
	f.types.RegisterAnalysis(kernelType, traces.AnalysisSpec{ID: "cpu", Name: "CPU usage"})
}

func TestRefresh_Idempotent(t *testing.T) {
	f := newFixture(t)
	buildWorkspace(t, f)

	f.refresh(t)
	first := map[string]Element{}
	walk(f.project, func(e Element) { first[e.ID()] = e })

	f.refresh(t)
	second := map[string]Element{}
	walk(f.project, func(e Element) { second[e.ID()] = e })

	require.Equal(t, len(first), len(second))
	for id, e := range first {
		assert.Same(t, e, second[id], "identity of %s", id)
	}
}

func TestRefresh_TreeConsistency(t *testing.T) {
	f := newFixture(t)
	buildWorkspace(t, f)
	f.refresh(t)

	walk(f.project, func(parent Element) {
		ids := map[string]bool{}
		for _, c := range parent.Children() {
			assert.Equal(t, parent, c.Parent(), "parent of %s", c.ID())
			assert.False(t, ids[c.ID()], "duplicate sibling %s", c.ID())
			ids[c.ID()] = true
		}
	})

	assert.Len(t, f.project.Children(), 2)
	assert.Len(t, f.project.Traces(), 3)
	exps := f.project.Experiments()
	require.Len(t, exps, 1)
	members := exps[0].Members()
	require.Len(t, members, 2)
	assert.True(t, members[0].IsMember())
	assert.True(t, members[0].IsLink())
	assert.Same(t, f.trace(t, "test/Traces/a.trace"), members[0].Original())
	assert.Nil(t, members[0].Views())
}

func TestRefresh_RemovesDanglingChildren(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	require.NoError(t, f.store.Create("test/Traces/b.trace", nil))
	f.refresh(t)

	a := f.trace(t, "test/Traces/a.trace")
	b := f.trace(t, "test/Traces/b.trace")
	views := b.Views()

	require.NoError(t, f.store.Delete("test/Traces/b.trace"))
	f.refresh(t)

	assert.Equal(t, []Element{a}, f.project.TraceFolder().Children())
	assert.True(t, b.Disposed())
	assert.True(t, views.Disposed())
	assert.Empty(t, b.Children())
	assert.Nil(t, Find(f.project, "test/Traces/b.trace", true))
}

func TestRefresh_FolderBecomesDirectoryTrace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.types.Register(traces.Type{
		ID: "test.ctf", Name: "CTF", Directory: true, Extensions: []string{".ctf"},
		Factory: f.factory.Open,
	}))
	require.NoError(t, f.store.Create("test/Traces/kernel.ctf/metadata", nil))
	require.NoError(t, f.store.Create("test/Traces/plain/x.trace", nil))
	f.refresh(t)

	children := f.project.TraceFolder().Children()
	require.Len(t, children, 2)
	assert.Equal(t, KindTrace, children[0].Kind())
	assert.Equal(t, "test.ctf", children[0].(*TraceElement).TypeID())
	assert.Equal(t, KindTraceFolder, children[1].Kind())
}

func TestRefresh_HiddenEntriesSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/.lock", nil))
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	f.refresh(t)
	assert.Len(t, f.project.TraceFolder().Children(), 1)
}

// failingProvider fails listings below a path on demand.
type failingProvider struct {
	*storage.MemoryProvider
	mu   sync.Mutex
	fail string
}

func (p *failingProvider) List(path string) ([]storage.Entry, error) {
	p.mu.Lock()
	fail := p.fail
	p.mu.Unlock()
	if fail != "" && path == fail {
		return nil, errors.New("io error")
	}
	return p.MemoryProvider.List(path)
}

func TestRefresh_ListFailureKeepsSubtree(t *testing.T) {
	mem := storage.NewMemoryProvider("/ws")
	provider := &failingProvider{MemoryProvider: mem}
	types := traces.NewRegistry()
	require.NoError(t, types.Register(traces.Type{
		ID: kernelType, Extensions: []string{".trace"}, Factory: tracetest.NewFactory().Open,
	}))
	project := NewProject(&Env{Storage: provider, Types: types}, "test")

	require.NoError(t, mem.Create("test/Traces/a.trace", nil))
	require.NoError(t, mem.Create("test/Traces/sub/b.trace", nil))
	require.NoError(t, project.Refresh(context.Background()))
	before := project.TraceFolder().Children()
	require.Len(t, before, 2)

	provider.mu.Lock()
	provider.fail = "test/Traces/sub"
	provider.mu.Unlock()
	require.NoError(t, mem.Delete("test/Traces/a.trace"))
	require.NoError(t, mem.Delete("test/Traces/sub/b.trace"))

	err := project.Refresh(context.Background())
	require.Error(t, err)

	// The sibling refresh still ran; the failing folder kept its children.
	folder := project.TraceFolder().Children()
	require.Len(t, folder, 1)
	sub := folder[0].(*TraceFolder)
	assert.Len(t, sub.Children(), 1)

	provider.mu.Lock()
	provider.fail = ""
	provider.mu.Unlock()
	require.NoError(t, project.Refresh(context.Background()))
	assert.Empty(t, sub.Children())
}

func TestFind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/sub/c.trace", nil))

	assert.Equal(t, Element(f.project), Find(f.project, "test/Traces/sub/c.trace", false),
		"nothing is created before a refresh")
	assert.Nil(t, Find(f.project, "test/Traces/sub/c.trace", true))

	f.refresh(t)
	c := f.trace(t, "test/Traces/sub/c.trace")
	assert.Equal(t, Element(c), Find(f.project, "test/Traces/sub/c.trace", true))

	sub := Find(f.project, "test/Traces/sub/missing.trace", false)
	require.NotNil(t, sub)
	assert.Equal(t, "test/Traces/sub", sub.Path())
	assert.Nil(t, Find(f.project, "test/Traces/sub/missing.trace", true))
	assert.Nil(t, Find(f.project, "other/Traces", false))
}

func TestTrace_SupplementaryPath(t *testing.T) {
	f := newFixture(t)
	buildWorkspace(t, f)
	f.refresh(t)

	c := f.trace(t, "test/Traces/sub/c.trace")
	assert.Equal(t, "test/.tracing/sub/c.trace", c.SupplementaryPath())

	exp := f.project.Experiments()[0]
	assert.Equal(t, "test/.tracing/exp", exp.SupplementaryPath())

	member := exp.Members()[1]
	assert.Equal(t, c.SupplementaryPath(), member.SupplementaryPath())
}

func TestTrace_DeleteSupplementaryIsOneBatch(t *testing.T) {
	f := newFixture(t)
	buildWorkspace(t, f)
	f.refresh(t)

	a := f.trace(t, "test/Traces/a.trace")
	a.SetBounds(1, 2)

	var batches []storage.Batch
	f.store.Subscribe(func(b storage.Batch) { batches = append(batches, b) })

	require.NoError(t, a.DeleteSupplementary())
	assert.False(t, f.store.Exists("test/.tracing/a.trace/bounds"))
	assert.Len(t, batches, 1)
	_, _, ok := a.CachedBounds()
	assert.False(t, ok)
}

func TestTrace_TypeResolution(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.types.Register(traces.Type{
		ID: "test.other", Extensions: []string{".trace"}, Factory: f.factory.Open,
	}))
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	f.refresh(t)

	a := f.trace(t, "test/Traces/a.trace")
	assert.Empty(t, a.TypeID(), "ambiguous types are not resolved silently")

	_, err := a.ResolveType("")
	var ambiguous *traces.AmbiguousTypeError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{kernelType, "test.other"}, ambiguous.Candidates)

	_, err = a.Open(context.Background())
	assert.ErrorIs(t, err, ErrNoType)

	id, err := a.ResolveType("test.other")
	require.NoError(t, err)
	assert.Equal(t, "test.other", id)

	// A fresh tree over the same properties picks the persisted type.
	again := NewProject(f.env, "test")
	require.NoError(t, again.Refresh(context.Background()))
	assert.Equal(t, "test.other", again.FindTrace("test/Traces/a.trace").TypeID())

	assert.ErrorIs(t, a.SetTypeID("nope"), traces.ErrUnknownType)
}

func TestTrace_OpenClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	f.refresh(t)
	a := f.trace(t, "test/Traces/a.trace")

	fake := tracetest.NewTrace(10, 20)
	f.factory.Set(a.Location(), fake)

	h1, err := a.Open(context.Background())
	require.NoError(t, err)
	h2, err := a.Open(context.Background())
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, f.factory.Opened(a.Location()))
	assert.True(t, a.IsOpen())

	require.NoError(t, a.Close())
	assert.True(t, fake.Closed())
	assert.False(t, a.IsOpen())

	f.factory.Fail(a.Location(), errors.New("corrupt"))
	_, err = a.Open(context.Background())
	assert.Error(t, err)
}

func TestTrace_DisposeClosesHandle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	f.refresh(t)
	a := f.trace(t, "test/Traces/a.trace")
	fake := tracetest.NewTrace(1, 2)
	f.factory.Set(a.Location(), fake)
	_, err := a.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.Delete("test/Traces/a.trace"))
	f.refresh(t)
	assert.True(t, fake.Closed())

	_, err = a.Open(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestRefresh_PublishesChangedElements(t *testing.T) {
	f := newFixture(t)
	bus := notify.New[Element](notify.Options{Name: "test"})
	defer bus.Close()
	f.env.Bus = bus
	f.project = NewProject(f.env, "test")

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(e Element) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.ID())
	})

	f.refresh(t)
	require.NoError(t, f.store.Create("test/Traces/a.trace", nil))
	f.refresh(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "test")
	assert.Contains(t, got, "test/Traces")

	// Unchanged storage publishes nothing new.
	n := len(got)
	mu.Unlock()
	f.refresh(t)
	require.NoError(t, bus.Flush(ctx))
	mu.Lock()
	assert.Len(t, got, n)
}

func TestRefresh_ConcurrentReadersSeeSnapshots(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			for _, c := range f.project.TraceFolder().Children() {
				_ = c.Name()
			}
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, f.store.Create("test/Traces/t"+string(rune('a'+i%26))+".trace", nil))
		f.refresh(t)
	}
	cancel()
	wg.Wait()
	assert.Len(t, f.project.Traces(), 26)
}
