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
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// CheckState is the availability of an on-demand analysis.
type CheckState int

const (
	// CheckUnknown means no probe was submitted for the current handle.
	CheckUnknown CheckState = iota
	// CheckChecking means a probe is queued or running.
	CheckChecking
	// CheckRunnable means the probe accepted the trace.
	CheckRunnable
	// CheckNotRunnable means the probe rejected the trace or failed.
	CheckNotRunnable
)

func (s CheckState) String() string {
	switch s {
	case CheckChecking:
		return "checking"
	case CheckRunnable:
		return "runnable"
	case CheckNotRunnable:
		return "not_runnable"
	default:
		return "unknown"
	}
}

// OnDemandAnalyses groups the on-demand analyses of a trace or experiment.
type OnDemandAnalyses struct {
	node
	owner TraceNode
}

func newOnDemandAnalyses(env *Env, parent Element, owner TraceNode) *OnDemandAnalyses {
	n := &OnDemandAnalyses{owner: owner}
	n.init(n, env, KindOnDemandFolder, parent, "On-Demand Analyses", virtualID(parent, "ondemand"), owner.Path(), owner.Location())
	return n
}

// Analyses returns the on-demand analysis children.
func (n *OnDemandAnalyses) Analyses() []*OnDemandAnalysis {
	return childrenOf[*OnDemandAnalysis](n)
}

// Refresh implements Element.
func (n *OnDemandAnalyses) Refresh(ctx context.Context) error {
	unlock, ok := n.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	registered := n.env.Types.OnDemand()
	specs := make([]childSpec, 0, len(registered))
	for _, a := range registered {
		id := virtualID(n, a.ID())
		specs = append(specs, childSpec{
			id:     id,
			create: func() Element { return newOnDemandAnalysis(n.env, n, n.owner, id, a) },
		})
	}
	return n.reconcile(ctx, specs)
}

func (n *OnDemandAnalyses) reset() {
	for _, a := range n.Analyses() {
		a.reset()
	}
}

// OnDemandAnalysis wraps an analysis whose feasibility is probed in the
// background.
//
// # Description
//
// The first refresh that finds the owner open submits one probe to the
// checker. Later refreshes never resubmit; only reopening the owner resets
// the state. A probe that fails or panics leaves the analysis not runnable.
// Results for a handle that has since been closed and reopened are
// discarded.
type OnDemandAnalysis struct {
	node
	owner    TraceNode
	analysis traces.OnDemandAnalysis

	mu        sync.Mutex
	state     CheckState
	submitted bool
	gen       uint64
}

func newOnDemandAnalysis(env *Env, parent Element, owner TraceNode, id string, a traces.OnDemandAnalysis) *OnDemandAnalysis {
	o := &OnDemandAnalysis{owner: owner, analysis: a}
	o.init(o, env, KindOnDemand, parent, a.Name(), id, owner.Path(), owner.Location())
	return o
}

// Analysis returns the wrapped analysis.
func (o *OnDemandAnalysis) Analysis() traces.OnDemandAnalysis { return o.analysis }

// State returns the availability state.
func (o *OnDemandAnalysis) State() CheckState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Submitted reports whether a probe was submitted for the current handle.
func (o *OnDemandAnalysis) Submitted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitted
}

// CanRun is false only once a probe found the analysis not runnable.
func (o *OnDemandAnalysis) CanRun() bool {
	return o.State() != CheckNotRunnable
}

// Refresh implements Element.
func (o *OnDemandAnalysis) Refresh(context.Context) error {
	checker := o.env.Checker
	if checker == nil {
		return nil
	}
	h := o.owner.Handle()
	if h == nil {
		return nil
	}

	o.mu.Lock()
	if o.submitted || o.Disposed() {
		o.mu.Unlock()
		return nil
	}
	o.submitted = true
	o.state = CheckChecking
	gen := o.gen
	o.mu.Unlock()

	probe := func(ctx context.Context) (bool, error) {
		return o.analysis.CanExecute(ctx, h)
	}
	err := checker.Submit(o.analysis.ID(), probe, func(runnable bool, err error) {
		o.complete(gen, runnable, err)
	})
	if err != nil {
		o.mu.Lock()
		if o.gen == gen {
			o.submitted = false
			o.state = CheckUnknown
		}
		o.mu.Unlock()
		o.env.Logger.Warn("submit on-demand probe",
			slog.String("analysis_id", o.analysis.ID()),
			slog.String("path", o.path),
			slog.String("error", err.Error()))
	}
	return nil
}

func (o *OnDemandAnalysis) complete(gen uint64, runnable bool, err error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	if runnable {
		o.state = CheckRunnable
	} else {
		o.state = CheckNotRunnable
	}
	o.mu.Unlock()

	if err != nil {
		o.env.Logger.Debug("on-demand probe failed",
			slog.String("analysis_id", o.analysis.ID()),
			slog.String("path", o.path),
			slog.String("error", err.Error()))
	}
	o.changed()
}

func (o *OnDemandAnalysis) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	o.submitted = false
	o.state = CheckUnknown
}
