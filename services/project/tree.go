// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// Node is a JSON snapshot of one model element.
type Node struct {
	Name     string     `json:"name"`
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	Kind     model.Kind `json:"kind"`
	Location string     `json:"location,omitempty"`

	// Traces and experiments.
	TypeID string  `json:"type_id,omitempty"`
	Open   bool    `json:"open,omitempty"`
	Member bool    `json:"member,omitempty"`
	Target string  `json:"target,omitempty"`
	Bounds *Bounds `json:"bounds,omitempty"`

	// Analyses, aggregates and on-demand analyses.
	CanExecute *bool  `json:"can_execute,omitempty"`
	HelpText   string `json:"help_text,omitempty"`
	State      string `json:"state,omitempty"`

	Children []Node `json:"children,omitempty"`
}

// Bounds is the cached time range of a trace.
type Bounds struct {
	Start traces.Timestamp `json:"start"`
	End   traces.Timestamp `json:"end"`
}

// Snapshot captures e and its subtree down to depth levels. A negative
// depth captures everything; depth 0 captures e alone.
//
// Children are read from the immutable per-node snapshots, so Snapshot can
// run while a refresh is in progress. It observes each node either before
// or after that node's children were replaced, never half of it.
func Snapshot(e model.Element, depth int) Node {
	n := Node{
		Name:     e.Name(),
		ID:       e.ID(),
		Path:     e.Path(),
		Kind:     e.Kind(),
		Location: e.Location(),
	}

	switch v := e.(type) {
	case *model.TraceElement:
		n.TypeID = v.TypeID()
		n.Open = v.IsOpen()
		n.Member = v.IsMember()
		n.Target = v.Target()
		n.Bounds = cachedBounds(v.CachedBounds())
	case *model.ExperimentElement:
		n.TypeID = v.TypeID()
		n.Open = v.IsOpen()
		n.Bounds = cachedBounds(v.CachedBounds())
	case *model.Analysis:
		n.CanExecute = ptr(v.CanExecute())
		n.HelpText = v.HelpText()
	case *model.AggregateAnalysis:
		n.CanExecute = ptr(v.CanExecute())
		n.HelpText = v.HelpText()
	case *model.OnDemandAnalysis:
		n.CanExecute = ptr(v.CanRun())
		n.State = v.State().String()
	}

	if depth == 0 {
		return n
	}
	for _, c := range e.Children() {
		n.Children = append(n.Children, Snapshot(c, depth-1))
	}
	return n
}

func cachedBounds(start, end traces.Timestamp, ok bool) *Bounds {
	if !ok {
		return nil
	}
	return &Bounds{Start: start, End: end}
}

func ptr[T any](v T) *T { return &v }
