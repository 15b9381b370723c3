// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry keeps the process-wide table of open projects.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianProjects/pkg/validation"
	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
)

var openProjects = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "projects_registry_open",
	Help: "Projects currently held by the registry",
})

// Registry maps project names to their model trees.
//
// # Description
//
// Trees are created lazily by GetOrCreate, which also runs the initial full
// refresh, and released by Dispose. Find only walks trees that already
// exist and never creates elements.
//
// # Thread Safety
//
// Safe for concurrent use. Creation happens under the table lock, so
// concurrent callers for one project always share a single tree.
type Registry struct {
	env    *model.Env
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*model.Project
	closed   bool
}

// New creates an empty registry whose projects share env.
func New(env *model.Env) *Registry {
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		env:      env,
		logger:   logger,
		projects: make(map[string]*model.Project),
	}
}

// GetOrCreate returns the tree of the named project, creating and
// refreshing it on first use.
//
// # Inputs
//
//   - ctx: Bounds the initial refresh.
//   - name: The project name, the first segment of its storage paths.
//
// # Outputs
//
//   - *model.Project: The shared project tree.
//   - error: Non-nil for an invalid name, a closed registry, or a canceled
//     initial refresh. Storage errors during the initial refresh are
//     logged; the partial tree is kept and repaired by later refreshes.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*model.Project, error) {
	clean, err := storage.Clean(name)
	if err == nil {
		err = validation.ValidateProjectName(clean)
	}
	if err != nil {
		return nil, fmt.Errorf("project %q: %w: %w", name, storage.ErrInvalidPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p, ok := r.projects[clean]; ok {
		return p, nil
	}

	p := model.NewProject(r.env, clean)
	if err := p.Refresh(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.Dispose()
			return nil, fmt.Errorf("open project %s: %w", clean, ctxErr)
		}
		r.logger.Warn("initial project refresh incomplete",
			slog.String("project", clean),
			slog.String("error", err.Error()))
	}
	r.projects[clean] = p
	openProjects.Set(float64(len(r.projects)))
	r.logger.Info("project opened", slog.String("project", clean))
	return p, nil
}

// Get returns the tree of the named project if it is open.
func (r *Registry) Get(name string) (*model.Project, bool) {
	name, err := storage.Clean(name)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[name]
	return p, ok
}

// Dispose releases the tree of the named project. Reports whether it was
// open.
func (r *Registry) Dispose(name string) bool {
	name, err := storage.Clean(name)
	if err != nil {
		return false
	}
	r.mu.Lock()
	p, ok := r.projects[name]
	delete(r.projects, name)
	openProjects.Set(float64(len(r.projects)))
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.Dispose()
	r.logger.Info("project disposed", slog.String("project", name))
	return true
}

// Find returns the element for a storage path.
//
// # Description
//
// The first path segment selects the project; unopened projects yield nil.
// Within the tree, see model.Find: nothing is materialized, and when no
// element matches exactly, exact=false yields the nearest existing
// ancestor while exact=true yields nil.
func (r *Registry) Find(path string, exact bool) model.Element {
	clean, err := storage.Clean(path)
	if err != nil || clean == "" {
		return nil
	}
	p, ok := r.Get(storage.Segments(clean)[0])
	if !ok {
		return nil
	}
	return model.Find(p, clean, exact)
}

// Projects returns the open projects sorted by name.
func (r *Registry) Projects() []*model.Project {
	r.mu.Lock()
	out := make([]*model.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close disposes every tree and rejects further GetOrCreate calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	projects := r.projects
	r.projects = make(map[string]*model.Project)
	openProjects.Set(0)
	r.mu.Unlock()

	for _, p := range projects {
		p.Dispose()
	}
}
