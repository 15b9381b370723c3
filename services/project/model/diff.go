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
)

// childSpec describes one child that should exist after a refresh.
type childSpec struct {
	// id is the storage identity of the child.
	id string

	// match rejects an existing child with the right id but the wrong
	// shape, e.g. a folder that became a directory trace. Nil accepts any.
	match func(Element) bool

	// create builds the child when no acceptable one exists.
	create func() Element

	// update is applied to the kept or created child before it refreshes.
	update func(Element)
}

// reconcile resynchronizes the children of n with specs.
//
// # Description
//
// Existing children are indexed by id. Every spec either keeps its matching
// child or creates a new one. Children left over have no storage entry
// anymore: they are removed first and disposed afterwards, so a concurrent
// reader never sees a disposed child in the snapshot. Finally every kept or
// created child is refreshed in spec order. A failing child does not stop
// its siblings; errors are joined.
//
// The caller holds n's refresh lock.
func (n *node) reconcile(ctx context.Context, specs []childSpec) error {
	current := n.Children()
	byID := make(map[string]Element, len(current))
	for _, c := range current {
		byID[c.ID()] = c
	}

	next := make([]Element, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	created := false
	for _, s := range specs {
		if seen[s.id] {
			continue
		}
		seen[s.id] = true

		if c, ok := byID[s.id]; ok && (s.match == nil || s.match(c)) {
			delete(byID, s.id)
			if s.update != nil {
				s.update(c)
			}
			next = append(next, c)
			continue
		}
		c := s.create()
		if s.update != nil {
			s.update(c)
		}
		next = append(next, c)
		created = true
	}

	var stale []Element
	for _, c := range current {
		if _, ok := byID[c.ID()]; ok && byID[c.ID()] == c {
			stale = append(stale, c)
		}
	}

	structural := created || len(stale) > 0 || !sameOrder(current, next)
	if structural {
		n.setChildren(next)
		for _, c := range stale {
			c.Dispose()
		}
		n.changed()
	}

	var errs []error
	for _, c := range next {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameOrder(a, b []Element) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isKind(k Kind) func(Element) bool {
	return func(e Element) bool { return e.Kind() == k }
}
