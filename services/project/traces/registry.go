// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traces

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Type describes a trace type.
type Type struct {
	// ID is the unique type identifier, persisted per trace.
	ID string

	// Name is the display name.
	Name string

	// Directory marks types whose traces are folders on storage.
	Directory bool

	// Experiment marks experiment types.
	Experiment bool

	// Extensions are file name suffixes claimed by this type (".trace").
	Extensions []string

	// Detect optionally validates a location. When set, it is used
	// instead of Extensions.
	Detect func(location string) bool

	// Factory instantiates traces of this type.
	Factory Factory
}

func (t Type) matches(location string) bool {
	if t.Detect != nil {
		return t.Detect(location)
	}
	name := filepath.Base(location)
	for _, ext := range t.Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// AnalysisSpec describes an analysis applicable to a trace type.
type AnalysisSpec struct {
	ID       string
	Name     string
	HelpText string
}

// AmbiguousTypeError is returned by DetectType when more than one type
// matches and no hint selects one.
type AmbiguousTypeError struct {
	Candidates []string
}

func (e *AmbiguousTypeError) Error() string {
	return fmt.Sprintf("ambiguous trace type, candidates: %s", strings.Join(e.Candidates, ", "))
}

// Registry maps trace type identifiers to types, analyses and on-demand
// analyses. It is populated at startup by plain registration calls.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]Type
	order    []string
	analyses map[string][]AnalysisSpec
	onDemand []OnDemandAnalysis
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]Type),
		analyses: make(map[string][]AnalysisSpec),
	}
}

// Register adds a trace type.
func (r *Registry) Register(t Type) error {
	if t.ID == "" {
		return fmt.Errorf("register trace type: empty id")
	}
	if t.Factory == nil {
		return fmt.Errorf("register trace type %s: nil factory", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.ID]; ok {
		return fmt.Errorf("register trace type %s: %w", t.ID, ErrDuplicateType)
	}
	r.types[t.ID] = t
	r.order = append(r.order, t.ID)
	return nil
}

// Lookup returns the type registered under id.
func (r *Registry) Lookup(id string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// Resolve returns the factory for a type id.
func (r *Registry) Resolve(id string) (Factory, error) {
	t, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", id, ErrUnknownType)
	}
	return t.Factory, nil
}

// DetectType picks the type for a location.
//
// # Description
//
// A registered hint wins outright. Otherwise every non-experiment type is
// probed. Exactly one match is returned as is; several matches yield an
// *AmbiguousTypeError listing them in registration order.
//
// # Outputs
//
//   - string: The type id.
//   - error: ErrUnknownType if nothing matches, *AmbiguousTypeError if
//     several types match.
func (r *Registry) DetectType(location, hint string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" {
		if _, ok := r.types[hint]; ok {
			return hint, nil
		}
	}

	var candidates []string
	for _, id := range r.order {
		t := r.types[id]
		if t.Experiment {
			continue
		}
		if t.matches(location) {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("detect %s: %w", location, ErrUnknownType)
	case 1:
		return candidates[0], nil
	default:
		return "", &AmbiguousTypeError{Candidates: candidates}
	}
}

// IsDirectoryTrace reports whether a folder location is a trace of a
// directory type rather than a plain sub-folder.
func (r *Registry) IsDirectoryTrace(location string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		t := r.types[id]
		if t.Directory && !t.Experiment && t.matches(location) {
			return true
		}
	}
	return false
}

// ExperimentType returns the first registered experiment type id.
func (r *Registry) ExperimentType() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.types[id].Experiment {
			return id, true
		}
	}
	return "", false
}

// RegisterAnalysis makes an analysis applicable to a type. Registering the
// same analysis id twice for a type replaces the earlier spec.
func (r *Registry) RegisterAnalysis(typeID string, spec AnalysisSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := r.analyses[typeID]
	for i := range specs {
		if specs[i].ID == spec.ID {
			specs[i] = spec
			return
		}
	}
	r.analyses[typeID] = append(specs, spec)
}

// UnregisterAnalysis removes an analysis from a type.
func (r *Registry) UnregisterAnalysis(typeID, analysisID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := r.analyses[typeID]
	for i := range specs {
		if specs[i].ID == analysisID {
			r.analyses[typeID] = append(specs[:i:i], specs[i+1:]...)
			return
		}
	}
}

// Analyses returns the analyses applicable to a type, in registration order.
func (r *Registry) Analyses(typeID string) []AnalysisSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AnalysisSpec(nil), r.analyses[typeID]...)
}

// RegisterOnDemand adds an on-demand analysis offered for every trace.
func (r *Registry) RegisterOnDemand(a OnDemandAnalysis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDemand = append(r.onDemand, a)
}

// OnDemand returns the registered on-demand analyses sorted by id.
func (r *Registry) OnDemand() []OnDemandAnalysis {
	r.mu.RLock()
	out := append([]OnDemandAnalysis(nil), r.onDemand...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
