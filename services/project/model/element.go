// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model implements the project model: an in-memory tree of projects,
// trace folders, traces, experiments and their analyses that mirrors a
// hierarchical storage workspace.
//
// # Description
//
// Every composite element resynchronizes its children against storage with
// the same diff pass (see reconcile). Elements that still match a storage
// entry are kept and refreshed in place, so their identity is stable across
// refreshes. Elements without a matching entry are removed and disposed.
//
// # Thread Safety
//
// Children are published as immutable snapshots: readers never observe a
// partially updated list. Refreshes of one element are serialized; refreshes
// of distinct elements may run concurrently.
package model

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Kind names the concrete type of an element.
type Kind string

const (
	KindProject          Kind = "project"
	KindTraceFolder      Kind = "trace_folder"
	KindExperimentFolder Kind = "experiment_folder"
	KindTrace            Kind = "trace"
	KindExperiment       Kind = "experiment"
	KindViews            Kind = "views"
	KindAnalysis         Kind = "analysis"
	KindAggregate        Kind = "aggregate_analysis"
	KindOutput           Kind = "output"
	KindOnDemandFolder   Kind = "on_demand_analyses"
	KindOnDemand         Kind = "on_demand_analysis"
	KindReports          Kind = "reports"
	KindReport           Kind = "report"
)

// Element is a node of the project model tree.
type Element interface {
	// Name is the display name.
	Name() string

	// ID is unique within the workspace. For storage-backed elements it is
	// the storage path.
	ID() string

	// Path is the storage path backing the element. Elements without their
	// own storage entry report the path of the element they belong to.
	Path() string

	// Location is the resolved absolute location of Path.
	Location() string

	// Kind is the concrete element type.
	Kind() Kind

	// Parent returns the owning element, nil for a project.
	Parent() Element

	// Children returns an immutable snapshot of the children. Callers must
	// not modify the returned slice.
	Children() []Element

	// Refresh resynchronizes the element and its subtree with storage.
	Refresh(ctx context.Context) error

	// Dispose releases the element and its subtree.
	Dispose()

	// Disposed reports whether Dispose was called.
	Disposed() bool

	base() *node
}

// node holds the state shared by every element.
type node struct {
	self     Element
	env      *Env
	kind     Kind
	name     string
	id       string
	path     string
	location string
	parent   Element

	children  atomic.Pointer[[]Element]
	writeMu   sync.Mutex
	refreshMu sync.Mutex
	disposed  atomic.Bool
	onDispose func()
}

func (n *node) init(self Element, env *Env, kind Kind, parent Element, name, id, path, location string) {
	n.self = self
	n.env = env
	n.kind = kind
	n.parent = parent
	n.name = name
	n.id = id
	n.path = path
	n.location = location
}

func (n *node) base() *node      { return n }
func (n *node) Name() string     { return n.name }
func (n *node) ID() string       { return n.id }
func (n *node) Path() string     { return n.path }
func (n *node) Kind() Kind       { return n.kind }
func (n *node) Parent() Element  { return n.parent }
func (n *node) Disposed() bool   { return n.disposed.Load() }
func (n *node) Location() string { return n.location }

// Children implements Element.
func (n *node) Children() []Element {
	p := n.children.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (n *node) setChildren(list []Element) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.storeChildrenLocked(list)
}

func (n *node) storeChildrenLocked(list []Element) {
	if len(list) == 0 {
		n.children.Store(nil)
		return
	}
	snapshot := slices.Clip(slices.Clone(list))
	n.children.Store(&snapshot)
}

func (n *node) addChild(c Element) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.storeChildrenLocked(append(slices.Clone(n.Children()), c))
}

func (n *node) removeChild(c Element) bool {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	current := n.Children()
	i := slices.Index(current, c)
	if i < 0 {
		return false
	}
	n.storeChildrenLocked(slices.Delete(slices.Clone(current), i, i+1))
	return true
}

// Dispose implements Element. Children are disposed first.
func (n *node) Dispose() {
	if !n.disposed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range n.Children() {
		c.Dispose()
	}
	n.setChildren(nil)
	if n.onDispose != nil {
		n.onDispose()
	}
}

// beginRefresh serializes refreshes of this element. ok is false for a
// disposed element, in which case there is nothing to unlock.
func (n *node) beginRefresh() (unlock func(), ok bool) {
	n.refreshMu.Lock()
	if n.Disposed() {
		n.refreshMu.Unlock()
		return nil, false
	}
	return n.refreshMu.Unlock, true
}

// changed publishes a presentation refresh for this element.
func (n *node) changed() {
	if n.env != nil && n.env.Bus != nil && !n.Disposed() {
		n.env.Bus.Publish(n.self)
	}
}

// virtualID derives the id of an element that has no storage entry.
func virtualID(parent Element, segment string) string {
	return parent.ID() + "/@" + segment
}
