// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile turns storage change batches into model refreshes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/notify"
	"github.com/AleutianAI/AleutianProjects/services/project/registry"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projects_reconcile_batches_total",
		Help: "Change batches handled by the reconciler",
	})

	refreshedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_reconcile_refreshed_total",
		Help: "Elements refreshed by the reconciler, by outcome",
	}, []string{"status"})

	tracesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_reconcile_traces_total",
		Help: "Traces classified by the reconciler",
	}, []string{"class"})
)

// Options configures a Reconciler.
type Options struct {
	// Registry holds the trees to reconcile. Required.
	Registry *registry.Registry

	// Storage is the workspace the batches come from. Required.
	Storage storage.Provider

	// Prompts receives traces changed while open. Nil closes them without
	// asking.
	Prompts *PromptQueue

	// Bus receives one notification per affected project. Optional.
	Bus *notify.Bus[model.Element]

	// Concurrency bounds parallel subtree refreshes.
	// Default: 4
	Concurrency int

	// Logger receives refresh failures. Nil disables logging.
	Logger *slog.Logger
}

// Result summarizes the handling of one batch.
type Result struct {
	// Refreshed are the ids of the refreshed elements, after reduction.
	Refreshed []string

	// Deleted are the paths of traces whose location disappeared.
	Deleted []string

	// ChangedWhileOpen are the paths of open traces whose content changed.
	ChangedWhileOpen []string

	// Err joins the refresh and cleanup failures.
	Err error
}

// Reconciler applies storage change batches to the model.
//
// # Description
//
// For each batch the reconciler marks the storage paths that need a
// refresh, resolves them to existing elements, drops elements covered by a
// marked ancestor, cleans up deleted traces, queues a confirmation for open
// traces whose content changed, and finally refreshes what is left.
//
// # Thread Safety
//
// Safe for concurrent use; batches from one watcher arrive in order on a
// single goroutine.
type Reconciler struct {
	registry    *registry.Registry
	store       storage.Provider
	prompts     *PromptQueue
	bus         *notify.Bus[model.Element]
	concurrency int
	logger      *slog.Logger
}

// New creates a reconciler.
func New(opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		registry:    opts.Registry,
		store:       opts.Storage,
		prompts:     opts.Prompts,
		bus:         opts.Bus,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Handler adapts the reconciler to a storage.BatchHandler.
func (r *Reconciler) Handler(ctx context.Context) storage.BatchHandler {
	return func(b storage.Batch) {
		res := r.HandleBatch(ctx, b)
		if res.Err != nil {
			r.logger.Warn("reconcile batch",
				slog.Int("changes", b.Len()),
				slog.String("error", res.Err.Error()))
		}
	}
}

// mark is one storage path needing a refresh.
type mark struct {
	path    string
	content bool
	removed bool
}

// HandleBatch reconciles the model with one batch of changes.
func (r *Reconciler) HandleBatch(ctx context.Context, batch storage.Batch) Result {
	batchesTotal.Inc()

	marks := markChanges(batch)
	exact, covering := r.resolve(marks)
	reduced := reduce(covering)

	var res Result
	var errs []error

	var deleted []*model.TraceElement
	var changed []*model.TraceElement
	classified := make(map[*model.TraceElement]bool)
	for _, m := range marks {
		e, ok := exact[m.path]
		if !ok {
			continue
		}
		candidates := []*model.TraceElement{}
		if m.removed {
			candidates = tracesUnder(e)
		} else if t, ok := e.(*model.TraceElement); ok {
			candidates = append(candidates, t)
		}
		for _, t := range candidates {
			if classified[t] {
				continue
			}
			switch {
			case r.gone(t):
				deleted = append(deleted, t)
			case m.content && t.IsOpen():
				if o := t.Original(); o != nil && o != t {
					t = o
					if classified[t] {
						continue
					}
				}
				changed = append(changed, t)
			default:
				continue
			}
			classified[t] = true
		}
	}

	if len(deleted) > 0 {
		if err := r.cleanup(deleted); err != nil {
			errs = append(errs, err)
		}
		for _, t := range deleted {
			res.Deleted = append(res.Deleted, t.Path())
		}
		tracesTotal.WithLabelValues("deleted").Add(float64(len(deleted)))
	}

	for _, t := range changed {
		res.ChangedWhileOpen = append(res.ChangedWhileOpen, t.Path())
		if r.prompts != nil {
			r.prompts.Enqueue(t)
			continue
		}
		discard(t, r.logger)
	}
	tracesTotal.WithLabelValues("changed_while_open").Add(float64(len(changed)))

	if err := r.refresh(ctx, reduced); err != nil {
		errs = append(errs, err)
	}
	for _, e := range reduced {
		res.Refreshed = append(res.Refreshed, e.ID())
	}

	if r.bus != nil {
		roots := make(map[model.Element]bool)
		for _, e := range reduced {
			root := rootOf(e)
			if !roots[root] {
				roots[root] = true
				r.bus.Publish(root)
			}
		}
	}

	res.Err = errors.Join(errs...)
	return res
}

// markChanges marks content changes on the entry, additions and removals
// on the entry and its parent, and moves on both sides plus the parents
// that were not themselves moved in this batch.
func markChanges(batch storage.Batch) []mark {
	var order []string
	byPath := make(map[string]*mark)
	add := func(path string, content, removed bool) {
		if path == "" {
			return
		}
		m, ok := byPath[path]
		if !ok {
			m = &mark{path: path}
			byPath[path] = m
			order = append(order, path)
		}
		m.content = m.content || content
		m.removed = m.removed || removed
	}

	moved := make(map[string]bool)
	for _, c := range batch.Changes {
		if c.Kind == storage.ChangeMoved {
			moved[c.Path] = true
		}
	}
	movedParent := func(path string) bool {
		for p := storage.Parent(path); p != ""; p = storage.Parent(p) {
			if moved[p] {
				return true
			}
		}
		return false
	}

	for _, c := range batch.Changes {
		switch c.Kind {
		case storage.ChangeContent:
			add(c.Path, true, false)
		case storage.ChangeAdded:
			add(c.Path, false, false)
			add(storage.Parent(c.Path), false, false)
		case storage.ChangeRemoved:
			add(c.Path, false, true)
			add(storage.Parent(c.Path), false, false)
		case storage.ChangeMoved:
			add(c.Path, false, false)
			add(c.MovedFrom, false, true)
			if !movedParent(c.Path) {
				add(storage.Parent(c.Path), false, false)
			}
			if c.MovedFrom != "" && !movedParent(c.MovedFrom) {
				add(storage.Parent(c.MovedFrom), false, false)
			}
		}
	}

	out := make([]mark, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	return out
}

// resolve maps marked paths to elements. exact holds the elements found
// for the path itself; covering holds, per path, the element itself or
// its nearest existing ancestor. Paths in hidden folders, such as the
// supplementary folder, are not part of the model and are skipped.
func (r *Reconciler) resolve(marks []mark) (map[string]model.Element, []model.Element) {
	exact := make(map[string]model.Element)
	seen := make(map[model.Element]bool)
	var covering []model.Element
	for _, m := range marks {
		if isHidden(m.path) {
			continue
		}
		if e := r.registry.Find(m.path, true); e != nil {
			exact[m.path] = e
		}
		e := r.registry.Find(m.path, false)
		if e == nil || seen[e] {
			continue
		}
		seen[e] = true
		covering = append(covering, e)
	}
	return exact, covering
}

// gone reports whether the trace behind t no longer exists. A member is
// gone when its target is, not when only its link was removed: the
// original stays open and keeps its caches.
func (r *Reconciler) gone(t *model.TraceElement) bool {
	if !t.IsMember() {
		return !t.Exists()
	}
	target := t.Target()
	return target == "" || !r.store.Exists(target)
}

// tracesUnder returns e if it is a trace, or the traces and experiment
// members below it.
func tracesUnder(e model.Element) []*model.TraceElement {
	var out []*model.TraceElement
	var walk func(model.Element)
	walk = func(e model.Element) {
		switch v := e.(type) {
		case *model.TraceElement:
			out = append(out, v)
			return
		case *model.ExperimentElement:
			out = append(out, v.Members()...)
			return
		}
		for _, c := range e.Children() {
			walk(c)
		}
	}
	walk(e)
	return out
}

func isHidden(path string) bool {
	for _, seg := range storage.Segments(path) {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// reduce drops every element that has an ancestor in the set.
func reduce(elements []model.Element) []model.Element {
	in := make(map[model.Element]bool, len(elements))
	for _, e := range elements {
		in[e] = true
	}
	out := make([]model.Element, 0, len(elements))
	for _, e := range elements {
		covered := false
		for p := e.Parent(); p != nil; p = p.Parent() {
			if in[p] {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, e)
		}
	}
	return out
}

// cleanup releases deleted traces in one atomic storage operation: the
// handle is closed, derived caches and properties are removed, and
// experiment links left dangling are deleted.
func (r *Reconciler) cleanup(deleted []*model.TraceElement) error {
	var errs []error
	err := r.store.RunAtomic(func() error {
		for _, t := range deleted {
			if t.IsMember() {
				// Only the dangling link goes; the original is cleaned up
				// on its own.
				if err := r.store.Delete(t.Path()); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t.Path(), err))
			}
			if err := t.DeleteSupplementary(); err != nil {
				errs = append(errs, err)
			}
			if err := t.Project().Env().Properties.DeletePrefix(t.Path()); err != nil {
				errs = append(errs, fmt.Errorf("delete properties of %s: %w", t.Path(), err))
			}
			for _, exp := range t.Project().Experiments() {
				for _, m := range exp.Members() {
					if m.Target() == t.Path() {
						if err := r.store.Delete(m.Path()); err != nil {
							errs = append(errs, err)
						}
					}
				}
			}
			r.logger.Info("trace deleted, caches removed", slog.String("trace", t.Path()))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// refresh refreshes the elements concurrently. A failing element does not
// stop the others.
func (r *Reconciler) refresh(ctx context.Context, elements []model.Element) error {
	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, e := range elements {
		g.Go(func() error {
			if err := e.Refresh(ctx); err != nil {
				refreshedTotal.WithLabelValues("error").Inc()
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			refreshedTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func rootOf(e model.Element) model.Element {
	for e.Parent() != nil {
		e = e.Parent()
	}
	return e
}
