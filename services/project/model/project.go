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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianProjects/services/project/storage"
)

// Project is the root element of one project in the workspace.
//
// # Description
//
// A project owns exactly one TraceFolder ("Traces") and one ExperimentFolder
// ("Experiments"), created on the first refresh whether or not the folders
// exist on storage yet. Derived caches live under the supplementary folder
// "<project>/.tracing".
type Project struct {
	node
}

// NewProject creates the root element of the named project. It has no
// children until the first Refresh.
func NewProject(env *Env, name string) *Project {
	env = env.withDefaults()
	p := &Project{}
	p.init(p, env, KindProject, nil, name, name, name, env.Storage.Location(name))
	return p
}

// Env returns the environment the project was created with.
func (p *Project) Env() *Env {
	return p.env
}

// SupplementaryPath returns the storage path of the derived cache folder.
func (p *Project) SupplementaryPath() string {
	return storage.Join(p.path, p.env.SupplementaryFolder)
}

// Refresh implements Element.
func (p *Project) Refresh(ctx context.Context) (err error) {
	unlock, ok := p.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	ctx, done := startRefresh(ctx, p)
	defer func() { done(err) }()

	tracesPath := storage.Join(p.path, TracesFolderName)
	experimentsPath := storage.Join(p.path, ExperimentsFolderName)
	return p.reconcile(ctx, []childSpec{
		{
			id:    tracesPath,
			match: isKind(KindTraceFolder),
			create: func() Element {
				return newTraceFolder(p.env, p, p, TracesFolderName, tracesPath)
			},
		},
		{
			id:    experimentsPath,
			match: isKind(KindExperimentFolder),
			create: func() Element {
				return newExperimentFolder(p.env, p, experimentsPath)
			},
		},
	})
}

// TraceFolder returns the root trace folder, nil before the first refresh.
func (p *Project) TraceFolder() *TraceFolder {
	for _, c := range p.Children() {
		if f, ok := c.(*TraceFolder); ok {
			return f
		}
	}
	return nil
}

// ExperimentFolder returns the experiment folder, nil before the first
// refresh.
func (p *Project) ExperimentFolder() *ExperimentFolder {
	for _, c := range p.Children() {
		if f, ok := c.(*ExperimentFolder); ok {
			return f
		}
	}
	return nil
}

// FindTrace returns the trace element at path under the trace folder.
func (p *Project) FindTrace(path string) *TraceElement {
	t, _ := Find(p, path, true).(*TraceElement)
	return t
}

// Traces returns every trace under the trace folder, depth first.
func (p *Project) Traces() []*TraceElement {
	f := p.TraceFolder()
	if f == nil {
		return nil
	}
	var out []*TraceElement
	var walk func(*TraceFolder)
	walk = func(folder *TraceFolder) {
		for _, c := range folder.Children() {
			switch v := c.(type) {
			case *TraceElement:
				out = append(out, v)
			case *TraceFolder:
				walk(v)
			}
		}
	}
	walk(f)
	return out
}

// Experiments returns the experiments of the project.
func (p *Project) Experiments() []*ExperimentElement {
	f := p.ExperimentFolder()
	if f == nil {
		return nil
	}
	return f.Experiments()
}

// Find walks from root to the element whose storage path is path.
//
// # Description
//
// Only existing children are visited; nothing is created. When no element
// matches exactly, Find returns nil if exact is true and otherwise the
// nearest existing ancestor of path.
func Find(root Element, path string, exact bool) Element {
	if root == nil {
		return nil
	}
	path = strings.Trim(path, "/")
	if !storage.IsWithin(path, root.Path()) {
		return nil
	}

	current := root
	for current.Path() != path {
		next := childToward(current, path)
		if next == nil {
			if exact {
				return nil
			}
			return current
		}
		current = next
	}
	return current
}

func childToward(parent Element, path string) Element {
	for _, c := range parent.Children() {
		if c.Path() == parent.Path() {
			// Views and other elements without their own entry.
			continue
		}
		if storage.IsWithin(path, c.Path()) {
			return c
		}
	}
	return nil
}

// listEntries lists the storage entries under path. A missing folder is
// empty. Other failures leave the caller's subtree untouched.
func listEntries(env *Env, e Element) ([]storage.Entry, error) {
	entries, err := env.Storage.List(e.Path())
	if errors.Is(err, storage.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		env.Logger.Warn("list failed, keeping previous state",
			slog.String("path", e.Path()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("refresh %s: %w", e.Path(), err)
	}
	return entries, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// TraceFolder is the "Traces" folder of a project or one of its sub-folders.
type TraceFolder struct {
	node
	project *Project
}

func newTraceFolder(env *Env, project *Project, parent Element, name, path string) *TraceFolder {
	f := &TraceFolder{project: project}
	f.init(f, env, KindTraceFolder, parent, name, path, path, env.Storage.Location(path))
	return f
}

// Project returns the owning project.
func (f *TraceFolder) Project() *Project {
	return f.project
}

// Refresh implements Element.
//
// Folders become sub-folders unless the trace type registry recognizes them
// as directory traces.
func (f *TraceFolder) Refresh(ctx context.Context) (err error) {
	unlock, ok := f.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	ctx, done := startRefresh(ctx, f)
	defer func() { done(err) }()

	entries, err := listEntries(f.env, f)
	if err != nil {
		return err
	}

	specs := make([]childSpec, 0, len(entries))
	for _, entry := range entries {
		if hidden(entry.Name) {
			continue
		}
		if entry.Kind == storage.KindFolder && !f.env.Types.IsDirectoryTrace(entry.Location) {
			specs = append(specs, childSpec{
				id:    entry.Path,
				match: isKind(KindTraceFolder),
				create: func() Element {
					return newTraceFolder(f.env, f.project, f, entry.Name, entry.Path)
				},
			})
			continue
		}
		specs = append(specs, childSpec{
			id:    entry.Path,
			match: isKind(KindTrace),
			create: func() Element {
				return newTraceElement(f.env, f.project, f, entry, false)
			},
			update: func(e Element) { e.(*TraceElement).setEntry(entry) },
		})
	}
	return f.reconcile(ctx, specs)
}

// ExperimentFolder is the "Experiments" folder of a project.
type ExperimentFolder struct {
	node
	project *Project
}

func newExperimentFolder(env *Env, project *Project, path string) *ExperimentFolder {
	f := &ExperimentFolder{project: project}
	f.init(f, env, KindExperimentFolder, project, ExperimentsFolderName, path, path, env.Storage.Location(path))
	return f
}

// Experiments returns the experiment children.
func (f *ExperimentFolder) Experiments() []*ExperimentElement {
	var out []*ExperimentElement
	for _, c := range f.Children() {
		if e, ok := c.(*ExperimentElement); ok {
			out = append(out, e)
		}
	}
	return out
}

// Refresh implements Element. Every sub-folder is an experiment.
func (f *ExperimentFolder) Refresh(ctx context.Context) (err error) {
	unlock, ok := f.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	ctx, done := startRefresh(ctx, f)
	defer func() { done(err) }()

	entries, err := listEntries(f.env, f)
	if err != nil {
		return err
	}

	specs := make([]childSpec, 0, len(entries))
	for _, entry := range entries {
		if hidden(entry.Name) || entry.Kind != storage.KindFolder {
			continue
		}
		specs = append(specs, childSpec{
			id:    entry.Path,
			match: isKind(KindExperiment),
			create: func() Element {
				return newExperimentElement(f.env, f.project, f, entry)
			},
		})
	}
	return f.reconcile(ctx, specs)
}

// CreateExperiment creates the storage folder of a new experiment and
// refreshes the folder.
func (f *ExperimentFolder) CreateExperiment(ctx context.Context, name string) (*ExperimentElement, error) {
	path := storage.Join(f.path, name)
	if err := f.env.Storage.CreateFolder(path); err != nil {
		return nil, fmt.Errorf("create experiment %s: %w", name, err)
	}
	if err := f.Refresh(ctx); err != nil {
		return nil, err
	}
	for _, e := range f.Experiments() {
		if e.Path() == path {
			return e, nil
		}
	}
	return nil, fmt.Errorf("create experiment %s: %w", name, ErrNotFound)
}
