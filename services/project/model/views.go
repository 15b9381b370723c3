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
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// Views is the single "Views" child of a trace or experiment.
//
// # Description
//
// For a trace it holds one Analysis per analysis registered for the trace
// type. For an experiment it holds one AggregateAnalysis per analysis
// identity of the experiment type or of its members (see aggregateSpecs). In both cases
// an OnDemandAnalyses node follows when on-demand analyses are registered,
// and a Reports node once reports were added.
type Views struct {
	node
	owner TraceNode

	mu       sync.Mutex
	onDemand *OnDemandAnalyses
	reports  *Reports
}

func newViews(env *Env, owner TraceNode) *Views {
	v := &Views{owner: owner}
	v.init(v, env, KindViews, owner, "Views", virtualID(owner, "views"), owner.Path(), owner.Location())
	return v
}

// Owner returns the trace or experiment the views belong to.
func (v *Views) Owner() TraceNode { return v.owner }

// Location implements Element.
func (v *Views) Location() string { return v.owner.Location() }

// Analyses returns the analysis children of a trace's views.
func (v *Views) Analyses() []*Analysis {
	return childrenOf[*Analysis](v)
}

// Aggregates returns the aggregate children of an experiment's views.
func (v *Views) Aggregates() []*AggregateAnalysis {
	return childrenOf[*AggregateAnalysis](v)
}

// Analysis returns the analysis or aggregate with the given analysis id.
func (v *Views) Analysis(id string) Element {
	for _, c := range v.Children() {
		switch a := c.(type) {
		case *Analysis:
			if a.AnalysisID() == id {
				return a
			}
		case *AggregateAnalysis:
			if a.AnalysisID() == id {
				return a
			}
		}
	}
	return nil
}

// OnDemand returns the on-demand node, nil when none is registered.
func (v *Views) OnDemand() *OnDemandAnalyses {
	for _, c := range v.Children() {
		if n, ok := c.(*OnDemandAnalyses); ok {
			return n
		}
	}
	return nil
}

// Reports returns the reports node, nil before a report was added.
func (v *Views) Reports() *Reports {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reports
}

// Refresh implements Element.
func (v *Views) Refresh(ctx context.Context) (err error) {
	unlock, ok := v.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	ctx, done := startRefresh(ctx, v)
	defer func() { done(err) }()

	var specs []childSpec
	if exp, ok := v.owner.(*ExperimentElement); ok {
		specs = v.aggregateSpecs(exp)
	} else {
		specs = v.analysisSpecs()
	}
	if len(v.env.Types.OnDemand()) > 0 {
		n := v.onDemandNode()
		specs = append(specs, childSpec{id: n.ID(), create: func() Element { return n }})
	}
	if r := v.Reports(); r != nil {
		specs = append(specs, childSpec{id: r.ID(), create: func() Element { return r }})
	}
	return v.reconcile(ctx, specs)
}

func (v *Views) analysisSpecs() []childSpec {
	typeID := v.owner.TypeID()
	if typeID == "" {
		return nil
	}
	var specs []childSpec
	for _, spec := range v.env.Types.Analyses(typeID) {
		specs = append(specs, childSpec{
			id:    virtualID(v, spec.ID),
			match: isKind(KindAnalysis),
			create: func() Element {
				return newAnalysis(v.env, v, v.owner, virtualID(v, spec.ID), spec)
			},
			update: func(e Element) { e.(*Analysis).setSpec(spec) },
		})
	}
	return specs
}

// aggregateSpecs builds one aggregate per analysis identity of the
// experiment type, each wrapping a representative built from the
// experiment's own module, followed by the identities only members
// contribute, in order of first encounter. Member analyses are folded into
// the aggregate of their identity.
func (v *Views) aggregateSpecs(exp *ExperimentElement) []childSpec {
	var order []string
	first := make(map[string]traces.AnalysisSpec)
	representatives := make(map[string]traces.AnalysisSpec)
	if typeID := exp.TypeID(); typeID != "" {
		for _, spec := range v.env.Types.Analyses(typeID) {
			if _, dup := first[spec.ID]; dup {
				continue
			}
			order = append(order, spec.ID)
			first[spec.ID] = spec
			representatives[spec.ID] = spec
		}
	}

	contributions := make(map[string][]*Analysis)
	for _, member := range exp.Members() {
		original := member.Original()
		if original == nil || original.Views() == nil {
			continue
		}
		for _, a := range original.Views().Analyses() {
			id := a.AnalysisID()
			if _, seen := first[id]; !seen {
				order = append(order, id)
				first[id] = a.Spec()
			}
			if !slices.Contains(contributions[id], a) {
				contributions[id] = append(contributions[id], a)
			}
		}
	}

	specs := make([]childSpec, 0, len(order))
	for _, id := range order {
		spec := first[id]
		var representative *traces.AnalysisSpec
		if rs, ok := representatives[id]; ok {
			representative = &rs
		}
		constituents := contributions[id]
		specs = append(specs, childSpec{
			id:    virtualID(v, id),
			match: isKind(KindAggregate),
			create: func() Element {
				return newAggregateAnalysis(v.env, v, exp, virtualID(v, id), spec)
			},
			update: func(e Element) { e.(*AggregateAnalysis).setConstituents(representative, constituents) },
		})
	}
	return specs
}

// stripContributions removes the analyses of original from every aggregate
// and drops the aggregates left with neither constituents nor a
// representative.
func (v *Views) stripContributions(original *TraceElement) {
	unlock, ok := v.beginRefresh()
	if !ok {
		return
	}
	defer unlock()

	var emptied []Element
	for _, agg := range v.Aggregates() {
		if agg.removeContributions(original) && agg.empty() {
			emptied = append(emptied, agg)
		}
	}
	if len(emptied) == 0 {
		return
	}
	for _, e := range emptied {
		v.removeChild(e)
		e.Dispose()
	}
	v.changed()
}

func (v *Views) onDemandNode() *OnDemandAnalyses {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.onDemand == nil || v.onDemand.Disposed() {
		v.onDemand = newOnDemandAnalyses(v.env, v, v.owner)
	}
	return v.onDemand
}

// resetOnDemand forgets the results of earlier probes. Called when the
// owner is instantiated again.
func (v *Views) resetOnDemand() {
	v.mu.Lock()
	n := v.onDemand
	v.mu.Unlock()
	if n != nil {
		n.reset()
	}
}

// AddReport adds a report, creating the Reports node on first use. The
// element name is made unique with a " (n)" suffix.
func (v *Views) AddReport(r Report) *ReportElement {
	unlock, ok := v.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	v.mu.Lock()
	created := false
	if v.reports == nil {
		v.reports = newReports(v.env, v)
		created = true
	}
	reports := v.reports
	v.mu.Unlock()

	if created {
		v.addChild(reports)
		v.changed()
	}
	return reports.add(r)
}

// RemoveReport removes a report. The Reports node goes away with its last
// report.
func (v *Views) RemoveReport(r Report) bool {
	unlock, ok := v.beginRefresh()
	if !ok {
		return false
	}
	defer unlock()

	v.mu.Lock()
	reports := v.reports
	v.mu.Unlock()
	if reports == nil || !reports.remove(r) {
		return false
	}
	if len(reports.Children()) == 0 {
		v.mu.Lock()
		v.reports = nil
		v.mu.Unlock()
		v.removeChild(reports)
		reports.Dispose()
		v.changed()
	}
	return true
}

// Analysis is one analysis applicable to a trace.
//
// # Description
//
// CanExecute is true until the trace is open and its module says otherwise.
// Output children appear once the live module reports outputs.
type Analysis struct {
	node
	owner TraceNode

	mu         sync.Mutex
	spec       traces.AnalysisSpec
	canExecute bool
	helpText   string
	outputs    []traces.Output
}

func newAnalysis(env *Env, parent Element, owner TraceNode, id string, spec traces.AnalysisSpec) *Analysis {
	a := &Analysis{owner: owner, spec: spec, canExecute: true, helpText: spec.HelpText}
	a.init(a, env, KindAnalysis, parent, spec.Name, id, owner.Path(), owner.Location())
	return a
}

func (a *Analysis) setSpec(spec traces.AnalysisSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spec = spec
	if a.helpText == "" {
		a.helpText = spec.HelpText
	}
}

// Owner returns the trace or experiment the analysis applies to.
func (a *Analysis) Owner() TraceNode { return a.owner }

// Spec returns the registered description of the analysis.
func (a *Analysis) Spec() traces.AnalysisSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spec
}

// AnalysisID returns the analysis identifier.
func (a *Analysis) AnalysisID() string { return a.Spec().ID }

// CanExecute reports whether the analysis can run on its trace.
func (a *Analysis) CanExecute() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canExecute
}

// HelpText returns the module help, or the registered help before the
// module was instantiated.
func (a *Analysis) HelpText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.helpText
}

// Outputs returns the outputs last reported by the module.
func (a *Analysis) Outputs() []traces.Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.outputs)
}

// Refresh implements Element. The live module, if the trace is open,
// provides the executable flag, the help text and the outputs.
func (a *Analysis) Refresh(ctx context.Context) error {
	unlock, ok := a.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	h := a.owner.Handle()
	if h == nil {
		return nil
	}
	m := h.AnalysisModule(a.AnalysisID())
	if m == nil {
		return nil
	}

	canExecute := m.CanExecute()
	outputs := m.Outputs()
	a.mu.Lock()
	flipped := a.canExecute != canExecute
	a.canExecute = canExecute
	if help := m.HelpText(); help != "" {
		a.helpText = help
	}
	a.outputs = slices.Clone(outputs)
	a.mu.Unlock()

	err := a.reconcile(ctx, outputSpecs(a.env, a, outputs))
	if flipped {
		a.changed()
	}
	return err
}

// AggregateAnalysis combines the same-identity analyses of an experiment's
// members.
//
// # Description
//
// The representative is built from the experiment's own module when the
// experiment type has the analysis; it is owned by the aggregate but is not
// a child. CanExecute is the OR over the representative and the
// constituents, HelpText their deduplicated help, and the Output children
// the union of their outputs by name.
type AggregateAnalysis struct {
	node
	experiment *ExperimentElement
	analysisID string

	mu             sync.Mutex
	representative *Analysis
	constituents   []*Analysis
	lastCanExecute bool
}

func newAggregateAnalysis(env *Env, parent Element, exp *ExperimentElement, id string, spec traces.AnalysisSpec) *AggregateAnalysis {
	a := &AggregateAnalysis{experiment: exp, analysisID: spec.ID}
	a.init(a, env, KindAggregate, parent, spec.Name, id, exp.Path(), exp.Location())
	a.onDispose = func() {
		if r := a.Representative(); r != nil {
			r.Dispose()
		}
	}
	return a
}

// AnalysisID returns the analysis identifier shared by the constituents.
func (a *AggregateAnalysis) AnalysisID() string { return a.analysisID }

// Experiment returns the owning experiment.
func (a *AggregateAnalysis) Experiment() *ExperimentElement { return a.experiment }

// Representative returns the experiment-level analysis, or nil.
func (a *AggregateAnalysis) Representative() *Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.representative
}

// Constituents returns the member analyses.
func (a *AggregateAnalysis) Constituents() []*Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.constituents)
}

func (a *AggregateAnalysis) setConstituents(representative *traces.AnalysisSpec, constituents []*Analysis) {
	a.mu.Lock()
	var stale *Analysis
	switch {
	case representative != nil && a.representative == nil:
		a.representative = newAnalysis(a.env, a, a.experiment, virtualID(a, "experiment"), *representative)
	case representative != nil:
		a.representative.setSpec(*representative)
	case a.representative != nil:
		stale = a.representative
		a.representative = nil
	}
	a.constituents = slices.Clone(constituents)
	a.mu.Unlock()

	if stale != nil {
		stale.Dispose()
	}
}

// removeContributions drops every constituent owned by trace. Reports
// whether any was dropped.
func (a *AggregateAnalysis) removeContributions(trace *TraceElement) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.constituents)
	a.constituents = slices.DeleteFunc(slices.Clone(a.constituents), func(c *Analysis) bool {
		return c.Owner() == TraceNode(trace)
	})
	return len(a.constituents) != n
}

func (a *AggregateAnalysis) empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.representative == nil && len(a.constituents) == 0
}

// sources returns the representative, if any, followed by the
// constituents.
func (a *AggregateAnalysis) sources() []*Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Analysis, 0, len(a.constituents)+1)
	if a.representative != nil {
		out = append(out, a.representative)
	}
	return append(out, a.constituents...)
}

// CanExecute reports whether the representative or any constituent can
// execute.
func (a *AggregateAnalysis) CanExecute() bool {
	for _, c := range a.sources() {
		if c.CanExecute() {
			return true
		}
	}
	return false
}

// HelpText joins the distinct help texts of the representative and the
// constituents.
func (a *AggregateAnalysis) HelpText() string {
	var texts []string
	for _, c := range a.sources() {
		if h := c.HelpText(); h != "" && !slices.Contains(texts, h) {
			texts = append(texts, h)
		}
	}
	return strings.Join(texts, "\n")
}

// Outputs returns the union by name of the outputs of the representative
// and the constituents.
func (a *AggregateAnalysis) Outputs() []traces.Output {
	var out []traces.Output
	seen := make(map[string]bool)
	for _, s := range a.sources() {
		for _, o := range s.Outputs() {
			if !seen[o.Name] {
				seen[o.Name] = true
				out = append(out, o)
			}
		}
	}
	return out
}

// Refresh implements Element.
func (a *AggregateAnalysis) Refresh(ctx context.Context) error {
	unlock, ok := a.beginRefresh()
	if !ok {
		return nil
	}
	defer unlock()

	var errs []error
	if r := a.Representative(); r != nil {
		if err := r.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	outputs := a.Outputs()
	specs := make([]childSpec, 0, len(outputs))
	for _, o := range outputs {
		specs = append(specs, childSpec{
			id:     virtualID(a, "output/"+o.Name),
			create: func() Element { return newOutputElement(a.env, a, virtualID(a, "output/"+o.Name), o) },
			update: func(e Element) { e.(*OutputElement).setOutput(o) },
		})
	}
	if err := a.reconcile(ctx, specs); err != nil {
		errs = append(errs, err)
	}

	canExecute := a.CanExecute()
	a.mu.Lock()
	flipped := a.lastCanExecute != canExecute
	a.lastCanExecute = canExecute
	a.mu.Unlock()
	if flipped {
		a.changed()
	}
	return errors.Join(errs...)
}

// OutputElement is one output of an analysis.
type OutputElement struct {
	node

	mu     sync.Mutex
	output traces.Output
}

func newOutputElement(env *Env, parent Element, id string, o traces.Output) *OutputElement {
	e := &OutputElement{output: o}
	e.init(e, env, KindOutput, parent, o.Name, id, parent.Path(), parent.Location())
	return e
}

func (e *OutputElement) setOutput(o traces.Output) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = o
}

// Output returns the described output.
func (e *OutputElement) Output() traces.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}

// Refresh implements Element.
func (e *OutputElement) Refresh(context.Context) error { return nil }

func outputSpecs(env *Env, parent Element, outputs []traces.Output) []childSpec {
	specs := make([]childSpec, 0, len(outputs))
	for _, o := range outputs {
		id := virtualID(parent, "output/"+o.ID)
		specs = append(specs, childSpec{
			id:     id,
			create: func() Element { return newOutputElement(env, parent, id, o) },
			update: func(e Element) { e.(*OutputElement).setOutput(o) },
		})
	}
	return specs
}

// childrenOf returns the children of e with concrete type T.
func childrenOf[T Element](e Element) []T {
	var out []T
	for _, c := range e.Children() {
		if t, ok := c.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
