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
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianProjects/services/project/notify"
	"github.com/AleutianAI/AleutianProjects/services/project/ondemand"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// Folder names inside a project.
const (
	TracesFolderName      = "Traces"
	ExperimentsFolderName = "Experiments"

	// DefaultSupplementaryFolder holds derived caches of a project.
	DefaultSupplementaryFolder = ".tracing"

	// PropertyTraceType is the property key of the persisted trace type id.
	PropertyTraceType = "trace.type"
)

var (
	// ErrNoType is returned when a trace has no resolved type.
	ErrNoType = errors.New("trace type not resolved")

	// ErrDisposed is returned by operations on a disposed element.
	ErrDisposed = errors.New("element disposed")

	// ErrNotMember is returned when a trace is not part of an experiment.
	ErrNotMember = errors.New("trace is not a member of the experiment")

	// ErrNotFound is returned when a referenced element does not exist.
	ErrNotFound = errors.New("element not found")
)

// Env carries the collaborators shared by all elements of a workspace.
type Env struct {
	// Storage is the workspace. Required.
	Storage storage.Provider

	// Properties persists per-resource properties. Nil uses an in-memory
	// store.
	Properties storage.PropertyStore

	// Types is the trace type registry. Nil uses an empty registry.
	Types *traces.Registry

	// Checker runs on-demand probes. Nil leaves on-demand analyses unknown.
	Checker *ondemand.Checker

	// Bus receives presentation refresh signals. Nil disables them.
	Bus *notify.Bus[Element]

	// Logger receives refresh errors. Nil disables logging.
	Logger *slog.Logger

	// SupplementaryFolder is the per-project cache folder name.
	// Default: ".tracing"
	SupplementaryFolder string
}

func (e *Env) withDefaults() *Env {
	out := *e
	if out.Properties == nil {
		out.Properties = storage.NewMemoryProperties()
	}
	if out.Types == nil {
		out.Types = traces.NewRegistry()
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	if out.SupplementaryFolder == "" {
		out.SupplementaryFolder = DefaultSupplementaryFolder
	}
	return &out
}
