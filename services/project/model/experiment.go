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
	"fmt"

	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// ExperimentElement is an experiment: a folder of links to traces.
//
// # Description
//
// Its children are the Views node followed by one member TraceElement per
// entry of the experiment folder, rebuilt from storage on every refresh.
// The Views node aggregates the analyses of the members.
type ExperimentElement struct {
	node
	traceState
}

func newExperimentElement(env *Env, project *Project, parent Element, entry storage.Entry) *ExperimentElement {
	e := &ExperimentElement{}
	e.init(e, env, KindExperiment, parent, entry.Name, entry.Path, entry.Path, entry.Location)
	e.owner = e
	e.project = project
	e.experiment = true
	e.typePath = entry.Path
	e.views = newViews(env, e)
	e.setChildren([]Element{e.views})
	e.onDispose = func() { _ = e.traceState.Close() }
	return e
}

// Open implements TraceNode.
func (e *ExperimentElement) Open(ctx context.Context) (traces.Trace, error) {
	return e.open(ctx)
}

// Members returns the member traces in storage order.
func (e *ExperimentElement) Members() []*TraceElement {
	return childrenOf[*TraceElement](e)
}

// Refresh implements Element.
func (e *ExperimentElement) Refresh(ctx context.Context) (err error) {
	unlock, ok := e.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	ctx, done := startRefresh(ctx, e)
	defer func() { done(err) }()

	e.ensureType()

	entries, err := listEntries(e.env, e)
	if err != nil {
		return err
	}

	specs := make([]childSpec, 0, len(entries)+1)
	views := e.views
	specs = append(specs, childSpec{
		id:     views.ID(),
		create: func() Element { return views },
	})
	for _, entry := range entries {
		if hidden(entry.Name) {
			continue
		}
		specs = append(specs, childSpec{
			id:    entry.Path,
			match: isKind(KindTrace),
			create: func() Element {
				return newTraceElement(e.env, e.project, e, entry, true)
			},
			update: func(el Element) { el.(*TraceElement).setEntry(entry) },
		})
	}

	// Members must be in place before the views aggregate them, so the
	// views refresh runs after the member list is published.
	return e.reconcile(ctx, specs)
}

// AddTrace links trace into the experiment and refreshes it.
func (e *ExperimentElement) AddTrace(ctx context.Context, trace *TraceElement) error {
	original := trace.Original()
	if original == nil {
		return fmt.Errorf("add %s to %s: %w", trace.Path(), e.path, ErrNotFound)
	}
	link := storage.Join(e.path, original.Name())
	if err := e.env.Storage.CreateLink(link, original.Path()); err != nil {
		return fmt.Errorf("add %s to %s: %w", original.Path(), e.path, err)
	}
	return e.Refresh(ctx)
}

// RemoveTrace removes a member. Its contributions are stripped from every
// aggregate at once; aggregates left empty are removed.
func (e *ExperimentElement) RemoveTrace(ctx context.Context, member *TraceElement) error {
	if member.Parent() != Element(e) {
		return fmt.Errorf("remove %s from %s: %w", member.Path(), e.path, ErrNotMember)
	}
	if err := e.env.Storage.Delete(member.Path()); err != nil {
		return fmt.Errorf("remove %s from %s: %w", member.Path(), e.path, err)
	}
	if original := member.Original(); original != nil {
		e.views.stripContributions(original)
	}
	return e.Refresh(ctx)
}

var _ TraceNode = (*ExperimentElement)(nil)
