// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/registry"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
	"github.com/AleutianAI/AleutianProjects/services/project/traces/tracetest"
)

func TestMarkChanges(t *testing.T) {
	tests := []struct {
		name    string
		changes []storage.Change
		want    []mark
	}{
		{
			name:    "content marks the entry only",
			changes: []storage.Change{{Path: "p/Traces/a", Kind: storage.ChangeContent}},
			want:    []mark{{path: "p/Traces/a", content: true}},
		},
		{
			name:    "addition marks entry and parent",
			changes: []storage.Change{{Path: "p/Traces/a", Kind: storage.ChangeAdded}},
			want:    []mark{{path: "p/Traces/a"}, {path: "p/Traces"}},
		},
		{
			name:    "removal marks entry and parent",
			changes: []storage.Change{{Path: "p/Traces/a", Kind: storage.ChangeRemoved}},
			want:    []mark{{path: "p/Traces/a", removed: true}, {path: "p/Traces"}},
		},
		{
			name: "move inside a moved folder skips the parent",
			changes: []storage.Change{
				{Path: "p/Traces/y", Kind: storage.ChangeMoved, MovedFrom: "p/Traces/x"},
				{Path: "p/Traces/y/a", Kind: storage.ChangeMoved, MovedFrom: "p/Traces/x/a"},
			},
			want: []mark{
				{path: "p/Traces/y"},
				{path: "p/Traces/x", removed: true},
				{path: "p/Traces"},
				{path: "p/Traces/y/a"},
				{path: "p/Traces/x/a", removed: true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markChanges(storage.Batch{Changes: tt.changes})
			assert.Equal(t, tt.want, got)
		})
	}
}

type fixture struct {
	store    *storage.MemoryProvider
	factory  *tracetest.Factory
	registry *registry.Registry
	project  *model.Project
}

func newFixture(t *testing.T, files ...string) *fixture {
	t.Helper()
	store := storage.NewMemoryProvider("/ws")
	factory := tracetest.NewFactory()
	types := traces.NewRegistry()
	require.NoError(t, types.Register(traces.Type{
		ID: "test.kernel", Extensions: []string{".trace"}, Factory: factory.Open,
	}))
	require.NoError(t, types.Register(traces.Type{
		ID: "test.experiment", Experiment: true, Factory: factory.Open,
	}))
	for _, f := range files {
		require.NoError(t, store.Create(f, nil))
	}
	reg := registry.New(&model.Env{Storage: store, Types: types})
	p, err := reg.GetOrCreate(context.Background(), "test")
	require.NoError(t, err)
	return &fixture{store: store, factory: factory, registry: reg, project: p}
}

func (f *fixture) open(t *testing.T, path string) (*model.TraceElement, *tracetest.Trace) {
	t.Helper()
	tr := f.project.FindTrace(path)
	require.NotNil(t, tr)
	fake := tracetest.NewTrace(1, 2)
	f.factory.Set(tr.Location(), fake)
	_, err := tr.Open(context.Background())
	require.NoError(t, err)
	return tr, fake
}

func TestHandleBatch_ReducesToAncestors(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace")
	r := New(Options{Registry: f.registry, Storage: f.store})

	require.NoError(t, f.store.Create("test/Traces/sub/x.trace", nil))
	require.NoError(t, f.store.Create("test/Traces/y.trace", nil))
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Traces/sub", Kind: storage.ChangeAdded},
		{Path: "test/Traces/sub/x.trace", Kind: storage.ChangeAdded},
		{Path: "test/Traces/y.trace", Kind: storage.ChangeAdded},
	}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"test/Traces"}, res.Refreshed)
	assert.NotNil(t, f.project.FindTrace("test/Traces/sub/x.trace"))
	assert.NotNil(t, f.project.FindTrace("test/Traces/y.trace"))
}

func TestHandleBatch_SkipsSupplementaryFolder(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace")
	r := New(Options{Registry: f.registry, Storage: f.store})

	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/.tracing/a.trace/bounds", Kind: storage.ChangeAdded},
	}})
	assert.Empty(t, res.Refreshed)
}

func TestHandleBatch_UnopenedProjectIgnored(t *testing.T) {
	f := newFixture(t)
	r := New(Options{Registry: f.registry, Storage: f.store})
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "other/Traces/a.trace", Kind: storage.ChangeAdded},
	}})
	assert.Empty(t, res.Refreshed)
	_, ok := f.registry.Get("other")
	assert.False(t, ok)
}

func TestHandleBatch_DeletedTraceIsCleanedUp(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace", "test/Traces/b.trace", "test/.tracing/a.trace/bounds")
	require.NoError(t, f.store.CreateLink("test/Experiments/exp/a.trace", "test/Traces/a.trace"))
	require.NoError(t, f.project.Refresh(context.Background()))
	a, fake := f.open(t, "test/Traces/a.trace")

	r := New(Options{Registry: f.registry, Storage: f.store})
	require.NoError(t, f.store.Delete("test/Traces/a.trace"))
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Traces/a.trace", Kind: storage.ChangeRemoved},
	}})
	require.NoError(t, res.Err)

	assert.Equal(t, []string{"test/Traces/a.trace"}, res.Deleted)
	assert.Empty(t, res.ChangedWhileOpen)
	assert.True(t, fake.Closed())
	assert.False(t, f.store.Exists("test/.tracing/a.trace"))
	_, err := f.store.Stat("test/Experiments/exp/a.trace")
	assert.ErrorIs(t, err, storage.ErrNotExist, "broken link removed")
	assert.True(t, a.Disposed())
	assert.Len(t, f.project.Traces(), 1)
}

func TestHandleBatch_RemovedLinkKeepsOriginalOpen(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace", "test/.tracing/a.trace/bounds")
	require.NoError(t, f.store.CreateLink("test/Experiments/exp/a.trace", "test/Traces/a.trace"))
	require.NoError(t, f.project.Refresh(context.Background()))
	a, fake := f.open(t, "test/Traces/a.trace")
	require.NotNil(t, f.project.FindTrace("test/Experiments/exp/a.trace"))

	r := New(Options{Registry: f.registry, Storage: f.store})
	require.NoError(t, f.store.Delete("test/Experiments/exp/a.trace"))
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Experiments/exp/a.trace", Kind: storage.ChangeRemoved},
	}})
	require.NoError(t, res.Err)

	assert.Empty(t, res.Deleted)
	assert.False(t, fake.Closed(), "original must stay open")
	assert.True(t, a.IsOpen())
	assert.False(t, a.Disposed())
	assert.True(t, f.store.Exists("test/.tracing/a.trace/bounds"), "original caches kept")
	assert.True(t, f.store.Exists("test/Traces/a.trace"))
	assert.Nil(t, f.project.FindTrace("test/Experiments/exp/a.trace"))
}

func TestHandleBatch_RemovedTargetDeletesOnlyLink(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace")
	require.NoError(t, f.store.CreateLink("test/Experiments/exp/a.trace", "test/Traces/a.trace"))
	require.NoError(t, f.project.Refresh(context.Background()))
	_, fake := f.open(t, "test/Traces/a.trace")

	r := New(Options{Registry: f.registry, Storage: f.store})
	require.NoError(t, f.store.Delete("test/Traces/a.trace"))
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Traces/a.trace", Kind: storage.ChangeRemoved},
		{Path: "test/Experiments/exp/a.trace", Kind: storage.ChangeContent},
	}})
	require.NoError(t, res.Err)

	assert.ElementsMatch(t, []string{"test/Traces/a.trace", "test/Experiments/exp/a.trace"}, res.Deleted)
	assert.True(t, fake.Closed())
	_, err := f.store.Stat("test/Experiments/exp/a.trace")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestHandleBatch_RemovedFolderCleansTracesBelow(t *testing.T) {
	f := newFixture(t, "test/Traces/sub/a.trace", "test/.tracing/sub/a.trace/bounds")
	r := New(Options{Registry: f.registry, Storage: f.store})

	require.NoError(t, f.store.Delete("test/Traces/sub"))
	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Traces/sub", Kind: storage.ChangeRemoved},
	}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"test/Traces/sub/a.trace"}, res.Deleted)
	assert.False(t, f.store.Exists("test/.tracing/sub/a.trace"))
}

// scriptedPrompter records requests and answers them from a channel.
type scriptedPrompter struct {
	answers chan Decision

	mu        sync.Mutex
	requests  []Request
	active    int
	maxActive int
}

func newScriptedPrompter() *scriptedPrompter {
	return &scriptedPrompter{answers: make(chan Decision)}
}

func (p *scriptedPrompter) Confirm(ctx context.Context, req Request) (Decision, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	select {
	case d := <-p.answers:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (p *scriptedPrompter) asked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.requests {
		out = append(out, r.Trace)
	}
	return out
}

func TestHandleBatch_PromptsOneAtATimeInOrder(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace", "test/Traces/b.trace", "test/Traces/c.trace")
	a, fa := f.open(t, "test/Traces/a.trace")
	b, fb := f.open(t, "test/Traces/b.trace")
	c, fc := f.open(t, "test/Traces/c.trace")

	prompter := newScriptedPrompter()
	queue := NewPromptQueue(prompter, nil)
	defer queue.Close()
	r := New(Options{Registry: f.registry, Storage: f.store, Prompts: queue})

	res := r.HandleBatch(context.Background(), storage.Batch{Changes: []storage.Change{
		{Path: "test/Traces/a.trace", Kind: storage.ChangeContent},
		{Path: "test/Traces/b.trace", Kind: storage.ChangeContent},
		{Path: "test/Traces/c.trace", Kind: storage.ChangeContent},
	}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"test/Traces/a.trace", "test/Traces/b.trace", "test/Traces/c.trace"}, res.ChangedWhileOpen)
	assert.Equal(t, 3, queue.Pending())

	require.Eventually(t, func() bool { return len(prompter.asked()) == 1 }, time.Second, 5*time.Millisecond)
	prompter.answers <- Decision{Accept: true}
	require.Eventually(t, func() bool { return len(prompter.asked()) == 2 }, time.Second, 5*time.Millisecond)
	prompter.answers <- Decision{Accept: false}
	require.Eventually(t, func() bool { return len(prompter.asked()) == 3 }, time.Second, 5*time.Millisecond)
	prompter.answers <- Decision{Accept: true}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, queue.Wait(ctx))

	assert.Equal(t, []string{"test/Traces/a.trace", "test/Traces/b.trace", "test/Traces/c.trace"}, prompter.asked())
	assert.Equal(t, 1, prompter.maxActive)
	assert.True(t, fa.Closed())
	assert.False(t, fb.Closed())
	assert.True(t, fc.Closed())
	assert.False(t, a.IsOpen())
	assert.True(t, b.IsOpen())
	assert.False(t, c.IsOpen())
}

func TestPromptQueue_LaterArrivalsWait(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace", "test/Traces/b.trace")
	a, _ := f.open(t, "test/Traces/a.trace")
	b, _ := f.open(t, "test/Traces/b.trace")

	prompter := newScriptedPrompter()
	queue := NewPromptQueue(prompter, nil)
	defer queue.Close()

	queue.Enqueue(a)
	require.Eventually(t, func() bool { return len(prompter.asked()) == 1 }, time.Second, 5*time.Millisecond)
	queue.Enqueue(b)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, prompter.asked(), 1, "no second prompt while one is showing")

	prompter.answers <- Decision{}
	require.Eventually(t, func() bool { return len(prompter.asked()) == 2 }, time.Second, 5*time.Millisecond)
	prompter.answers <- Decision{}
	require.NoError(t, queue.Wait(context.Background()))
}

func TestPromptQueue_AlwaysSkipsLaterPrompts(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace", "test/Traces/b.trace", "test/Traces/c.trace")
	a, _ := f.open(t, "test/Traces/a.trace")
	b, fb := f.open(t, "test/Traces/b.trace")
	c, fc := f.open(t, "test/Traces/c.trace")

	prompter := newScriptedPrompter()
	queue := NewPromptQueue(prompter, nil)
	defer queue.Close()

	queue.Enqueue(a)
	queue.Enqueue(b)
	require.Eventually(t, func() bool { return len(prompter.asked()) == 1 }, time.Second, 5*time.Millisecond)
	prompter.answers <- Decision{Accept: true, Always: true}
	require.NoError(t, queue.Wait(context.Background()))

	queue.Enqueue(c)
	require.NoError(t, queue.Wait(context.Background()))

	assert.Len(t, prompter.asked(), 1)
	assert.True(t, fb.Closed())
	assert.True(t, fc.Closed())

	queue.ResetAlways()
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	queue.Enqueue(c)
	require.Eventually(t, func() bool { return len(prompter.asked()) == 2 }, time.Second, 5*time.Millisecond)
	queue.Close()
	require.NoError(t, queue.Wait(context.Background()))
	assert.True(t, c.IsOpen(), "canceled prompt declines")
}

func TestHandler_FollowsStorage(t *testing.T) {
	f := newFixture(t, "test/Traces/a.trace")
	r := New(Options{Registry: f.registry, Storage: f.store})
	f.store.Subscribe(r.Handler(context.Background()))

	require.NoError(t, f.store.Create("test/Traces/b.trace", nil))
	assert.Len(t, f.project.Traces(), 2)

	require.NoError(t, f.store.CreateLink("test/Experiments/exp/b.trace", "test/Traces/b.trace"))
	exps := f.project.Experiments()
	require.Len(t, exps, 1)
	assert.Len(t, exps[0].Members(), 1)

	require.NoError(t, f.store.Delete("test/Traces/b.trace"))
	assert.Len(t, f.project.Traces(), 1)
	assert.Empty(t, exps[0].Members(), "dangling link removed and experiment refreshed")
}
