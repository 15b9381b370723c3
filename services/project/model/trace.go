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
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// TraceNode is implemented by traces and experiments.
type TraceNode interface {
	Element

	// Project returns the owning project.
	Project() *Project

	// TypeID returns the resolved type id, or "" while unresolved.
	TypeID() string

	// Open instantiates the trace, or returns the already open handle.
	Open(ctx context.Context) (traces.Trace, error)

	// Close releases the open handle, if any.
	Close() error

	// Handle returns the open handle, or nil.
	Handle() traces.Trace

	// CachedBounds returns the bounds held in memory.
	CachedBounds() (start, end traces.Timestamp, ok bool)

	// SetBounds caches bounds in memory.
	SetBounds(start, end traces.Timestamp)

	// SupplementaryPath is the storage folder for derived caches.
	SupplementaryPath() string

	// DeleteSupplementary removes the derived caches.
	DeleteSupplementary() error

	// Views returns the views child, nil for experiment members.
	Views() *Views
}

// traceState is the state shared by traces and experiments: type, open
// handle and cached bounds.
type traceState struct {
	owner      TraceNode
	project    *Project
	experiment bool

	// typePath is the storage path the type property is stored under.
	typePath string

	mu          sync.Mutex
	typeID      string
	handle      traces.Trace
	start, end  traces.Timestamp
	boundsKnown bool
	views       *Views
}

func (s *traceState) environment() *Env { return s.owner.base().env }

func (s *traceState) Project() *Project { return s.project }

func (s *traceState) Views() *Views { return s.views }

// TypeID implements TraceNode.
func (s *traceState) TypeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeID
}

// Handle implements TraceNode.
func (s *traceState) Handle() traces.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsOpen reports whether the trace is instantiated.
func (s *traceState) IsOpen() bool {
	return s.Handle() != nil
}

// CachedBounds implements TraceNode.
func (s *traceState) CachedBounds() (traces.Timestamp, traces.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.end, s.boundsKnown
}

// SetBounds implements TraceNode.
func (s *traceState) SetBounds(start, end traces.Timestamp) {
	s.mu.Lock()
	s.start, s.end, s.boundsKnown = start, end, true
	s.mu.Unlock()
	s.owner.base().changed()
}

// ClearBounds forgets the bounds held in memory.
func (s *traceState) ClearBounds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.end, s.boundsKnown = 0, 0, false
}

// SupplementaryPath implements TraceNode. The folder mirrors the path of
// the trace below the Traces or Experiments folder.
func (s *traceState) SupplementaryPath() string {
	rel := s.typePath
	for _, folder := range []string{TracesFolderName, ExperimentsFolderName} {
		prefix := storage.Join(s.project.Path(), folder) + "/"
		if strings.HasPrefix(rel, prefix) {
			rel = strings.TrimPrefix(rel, prefix)
			break
		}
	}
	return storage.Join(s.project.SupplementaryPath(), rel)
}

// DeleteSupplementary implements TraceNode. The deletion is a single
// atomic storage operation.
func (s *traceState) DeleteSupplementary() error {
	s.ClearBounds()
	path := s.SupplementaryPath()
	err := s.environment().Storage.RunAtomic(func() error {
		return s.environment().Storage.Delete(path)
	})
	if err != nil {
		return fmt.Errorf("delete supplementary files of %s: %w", s.typePath, err)
	}
	return nil
}

// SetTypeID sets and persists the trace type.
func (s *traceState) SetTypeID(id string) error {
	if _, ok := s.environment().Types.Lookup(id); !ok {
		return fmt.Errorf("set type of %s: %w", s.typePath, traces.ErrUnknownType)
	}
	if err := s.environment().Properties.Set(s.typePath, PropertyTraceType, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.typeID = id
	s.mu.Unlock()
	return nil
}

// ResolveType detects the type of the trace, preferring hint, and persists
// it. Several matching types yield a *traces.AmbiguousTypeError.
func (s *traceState) ResolveType(hint string) (string, error) {
	id, err := s.environment().Types.DetectType(s.owner.Location(), hint)
	if err != nil {
		return "", err
	}
	if err := s.SetTypeID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ensureType resolves the type lazily: persisted property first, then
// unambiguous detection.
func (s *traceState) ensureType() string {
	if id := s.TypeID(); id != "" {
		return id
	}

	if v, ok, err := s.environment().Properties.Get(s.typePath, PropertyTraceType); err != nil {
		s.environment().Logger.Warn("read trace type property",
			slog.String("path", s.typePath),
			slog.String("error", err.Error()))
	} else if ok {
		if _, known := s.environment().Types.Lookup(v); known {
			s.mu.Lock()
			s.typeID = v
			s.mu.Unlock()
			return v
		}
	}

	var id string
	if s.experiment {
		id, _ = s.environment().Types.ExperimentType()
	} else {
		detected, err := s.environment().Types.DetectType(s.owner.Location(), "")
		if err != nil {
			s.environment().Logger.Debug("trace type not detected",
				slog.String("path", s.typePath),
				slog.String("error", err.Error()))
			return ""
		}
		id = detected
	}
	if id == "" {
		return ""
	}
	if err := s.SetTypeID(id); err != nil {
		s.environment().Logger.Warn("persist trace type",
			slog.String("path", s.typePath),
			slog.String("error", err.Error()))
	}
	return id
}

// open instantiates the trace. On-demand checks restart for the new handle
// and the views are refreshed against it.
func (s *traceState) open(ctx context.Context) (traces.Trace, error) {
	if s.owner.Disposed() {
		return nil, ErrDisposed
	}
	if h := s.Handle(); h != nil {
		return h, nil
	}

	typeID := s.ensureType()
	if typeID == "" {
		return nil, fmt.Errorf("open %s: %w", s.typePath, ErrNoType)
	}
	factory, err := s.environment().Types.Resolve(typeID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.typePath, err)
	}
	h, err := factory(ctx, s.owner.Location())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.typePath, err)
	}

	s.mu.Lock()
	if s.handle != nil {
		// Lost a race with a concurrent open.
		existing := s.handle
		s.mu.Unlock()
		h.Close()
		return existing, nil
	}
	s.handle = h
	s.mu.Unlock()

	if s.views != nil {
		s.views.resetOnDemand()
		if err := s.views.Refresh(ctx); err != nil {
			s.environment().Logger.Warn("refresh views after open",
				slog.String("path", s.typePath),
				slog.String("error", err.Error()))
		}
	}
	s.owner.base().changed()
	return h, nil
}

// Close implements TraceNode.
func (s *traceState) Close() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	s.owner.base().changed()
	return h.Close()
}

// TraceElement is a trace, either under a trace folder or as a member of an
// experiment.
//
// # Description
//
// A trace under a trace folder owns a single Views child. An experiment
// member mirrors a link entry: it has no children and delegates opening and
// caches to the original trace it links to.
type TraceElement struct {
	node
	traceState

	member   bool
	entryMu  sync.Mutex
	target   string
	linkKind storage.EntryKind
}

func newTraceElement(env *Env, project *Project, parent Element, entry storage.Entry, member bool) *TraceElement {
	t := &TraceElement{member: member}
	t.init(t, env, KindTrace, parent, entry.Name, entry.Path, entry.Path, entry.Location)
	t.owner = t
	t.project = project
	t.typePath = entry.Path
	t.setEntry(entry)
	if !member {
		t.views = newViews(env, t)
		t.setChildren([]Element{t.views})
	}
	t.onDispose = func() {
		if err := t.traceState.Close(); err != nil {
			env.Logger.Warn("close disposed trace",
				slog.String("path", t.path),
				slog.String("error", err.Error()))
		}
	}
	return t
}

func (t *TraceElement) setEntry(entry storage.Entry) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	t.linkKind = entry.Kind
	t.target = entry.Target
	t.location = entry.Location
}

// Location implements Element, following a retargeted link.
func (t *TraceElement) Location() string {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	return t.location
}

// IsMember reports whether the trace is an experiment member.
func (t *TraceElement) IsMember() bool {
	return t.member
}

// Target returns the storage path a link entry points to, "" otherwise.
func (t *TraceElement) Target() string {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	return t.target
}

// IsLink reports whether the trace is backed by a link entry.
func (t *TraceElement) IsLink() bool {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	return t.linkKind == storage.KindLink
}

// Original returns the trace under the trace folder that a member links
// to. For a trace that is not a member it returns t itself.
func (t *TraceElement) Original() *TraceElement {
	if !t.member {
		return t
	}
	target := t.Target()
	if target == "" {
		return nil
	}
	return t.project.FindTrace(target)
}

// Experiment returns the owning experiment of a member, nil otherwise.
func (t *TraceElement) Experiment() *ExperimentElement {
	e, _ := t.parent.(*ExperimentElement)
	return e
}

// Refresh implements Element. The type is resolved lazily and the views
// child is resynchronized.
func (t *TraceElement) Refresh(ctx context.Context) error {
	unlock, ok := t.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	if t.member {
		return nil
	}
	t.ensureType()
	return t.views.Refresh(ctx)
}

// TypeID implements TraceNode.
func (t *TraceElement) TypeID() string {
	if o := t.delegate(); o != nil {
		return o.TypeID()
	}
	return t.traceState.TypeID()
}

// Open implements TraceNode. A member opens its original trace.
func (t *TraceElement) Open(ctx context.Context) (traces.Trace, error) {
	if t.member {
		o := t.Original()
		if o == nil {
			return nil, fmt.Errorf("open %s: %w", t.path, ErrNotFound)
		}
		return o.Open(ctx)
	}
	return t.open(ctx)
}

// Close implements TraceNode.
func (t *TraceElement) Close() error {
	if o := t.delegate(); o != nil {
		return o.Close()
	}
	return t.traceState.Close()
}

// Handle implements TraceNode.
func (t *TraceElement) Handle() traces.Trace {
	if o := t.delegate(); o != nil {
		return o.Handle()
	}
	return t.traceState.Handle()
}

// IsOpen reports whether the trace is instantiated.
func (t *TraceElement) IsOpen() bool {
	return t.Handle() != nil
}

// CachedBounds implements TraceNode.
func (t *TraceElement) CachedBounds() (traces.Timestamp, traces.Timestamp, bool) {
	if o := t.delegate(); o != nil {
		return o.CachedBounds()
	}
	return t.traceState.CachedBounds()
}

// SetBounds implements TraceNode.
func (t *TraceElement) SetBounds(start, end traces.Timestamp) {
	if o := t.delegate(); o != nil {
		o.SetBounds(start, end)
		return
	}
	t.traceState.SetBounds(start, end)
}

// SupplementaryPath implements TraceNode.
func (t *TraceElement) SupplementaryPath() string {
	if o := t.delegate(); o != nil {
		return o.SupplementaryPath()
	}
	return t.traceState.SupplementaryPath()
}

// SetTypeID sets and persists the trace type.
func (t *TraceElement) SetTypeID(id string) error {
	if t.member {
		o := t.Original()
		if o == nil {
			return fmt.Errorf("set type of %s: %w", t.path, ErrNotFound)
		}
		return o.SetTypeID(id)
	}
	if err := t.traceState.SetTypeID(id); err != nil {
		return err
	}
	t.changed()
	return nil
}

// ResolveType detects and persists the type, preferring hint.
func (t *TraceElement) ResolveType(hint string) (string, error) {
	if t.member {
		o := t.Original()
		if o == nil {
			return "", fmt.Errorf("resolve type of %s: %w", t.path, ErrNotFound)
		}
		return o.ResolveType(hint)
	}
	return t.traceState.ResolveType(hint)
}

// DeleteSupplementary implements TraceNode.
func (t *TraceElement) DeleteSupplementary() error {
	if o := t.delegate(); o != nil {
		return o.DeleteSupplementary()
	}
	return t.traceState.DeleteSupplementary()
}

// delegate returns the original of a member, nil for a trace that is not
// a member or whose original is gone.
func (t *TraceElement) delegate() *TraceElement {
	if !t.member {
		return nil
	}
	return t.Original()
}

// Exists reports whether the trace's storage entry still resolves.
func (t *TraceElement) Exists() bool {
	return t.env.Storage.Exists(t.path)
}

var _ TraceNode = (*TraceElement)(nil)
