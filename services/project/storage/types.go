// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the hierarchical resource store that project
// models mirror, together with a filesystem-backed implementation, an
// in-memory implementation for tests, and a change watcher.
//
// # Paths
//
// Every path handled by this package is slash-separated and relative to the
// workspace. The first segment names a project:
//
//	test/Traces/kernel.trace
//	test/Experiments/exp1/kernel.trace
//	test/.tracing/kernel.trace/bounds
//
// # Thread Safety
//
// Provider implementations are safe for concurrent use.
package storage

import (
	"errors"
	"path"
	"strings"
)

// Sentinel errors returned by providers.
var (
	// ErrNotExist indicates the path has no entry.
	ErrNotExist = errors.New("storage entry does not exist")

	// ErrExist indicates an entry already exists at the path.
	ErrExist = errors.New("storage entry already exists")

	// ErrNotFolder indicates a folder operation on a non-folder entry.
	ErrNotFolder = errors.New("storage entry is not a folder")

	// ErrInvalidPath indicates a path escaping the workspace or empty segments.
	ErrInvalidPath = errors.New("invalid storage path")
)

// EntryKind classifies a storage entry.
type EntryKind int

const (
	// KindFile is a regular file.
	KindFile EntryKind = iota

	// KindFolder is a container of other entries.
	KindFolder

	// KindLink is a link to an entry elsewhere (e.g. a trace inside an
	// experiment pointing at the original under the Traces folder).
	KindLink
)

// String returns the string representation of the kind.
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Entry is a named item inside the store.
type Entry struct {
	// Name is the last path segment.
	Name string

	// Path is the workspace-relative path of the entry.
	Path string

	// Kind is the entry kind.
	Kind EntryKind

	// Location is the resolved absolute location. For links this is the
	// location of the link target.
	Location string

	// Target is the workspace-relative path a link points to. Empty for
	// files and folders, or for links to locations outside the workspace.
	Target string
}

// IsFolder reports whether the entry can contain children.
func (e Entry) IsFolder() bool {
	return e.Kind == KindFolder
}

// Provider is the hierarchical resource store.
//
// # Description
//
// Providers enumerate, create and delete entries. Model refreshes only call
// List and Exists; mutating calls come from explicit operations (bounds
// persistence, supplementary cleanup, experiment membership changes).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns the direct children of the folder at path, sorted by name.
	// Returns ErrNotExist if the folder does not exist.
	List(path string) ([]Entry, error)

	// Stat returns the entry at path, or ErrNotExist.
	Stat(path string) (Entry, error)

	// Exists reports whether an entry exists at path. For links, the link
	// target must also exist.
	Exists(path string) bool

	// Delete removes the entry at path and everything below it. Deleting a
	// missing entry is not an error.
	Delete(path string) error

	// CreateFolder creates the folder at path and any missing parents.
	CreateFolder(path string) error

	// Create writes a file at path, replacing any existing content and
	// creating missing parent folders.
	Create(path string, data []byte) error

	// CreateLink creates a link at path pointing at target.
	CreateLink(path, target string) error

	// Read returns the content of the file at path.
	Read(path string) ([]byte, error)

	// Location resolves path to an absolute location.
	Location(path string) string

	// RunAtomic runs fn so that every change it performs is observed by
	// watchers as a single batch, after fn returns.
	RunAtomic(fn func() error) error
}

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	// ChangeAdded indicates a new entry.
	ChangeAdded ChangeKind = iota

	// ChangeRemoved indicates a deleted entry.
	ChangeRemoved

	// ChangeContent indicates the content of an existing entry changed.
	ChangeContent

	// ChangeMoved indicates an entry moved from MovedFrom to Path.
	ChangeMoved
)

// String returns the string representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeContent:
		return "content"
	case ChangeMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// Change is one notification inside a batch.
type Change struct {
	// Path is the workspace-relative path of the entry (the new path for moves).
	Path string

	// Kind is the change classification.
	Kind ChangeKind

	// MovedFrom is the previous path of a moved entry.
	MovedFrom string
}

// Batch is an ordered group of changes delivered together.
type Batch struct {
	Changes []Change
}

// Len returns the number of changes in the batch.
func (b Batch) Len() int {
	return len(b.Changes)
}

// BatchHandler receives change batches. Handlers are invoked from a single
// goroutine per watcher, in delivery order.
type BatchHandler func(Batch)

// PropertyStore persists string properties per resource path.
//
// Properties survive process restarts for persistent implementations and
// are removed together with their resource via DeletePrefix.
type PropertyStore interface {
	// Get returns the property value and whether it was set.
	Get(path, key string) (string, bool, error)

	// Set stores the property value.
	Set(path, key, value string) error

	// Delete removes one property. Missing properties are not an error.
	Delete(path, key string) error

	// DeletePrefix removes every property of path and of paths below it.
	DeletePrefix(path string) error
}

// Clean normalizes a workspace-relative path. Leading and trailing slashes
// are removed; "." and ".." segments are rejected.
func Clean(p string) (string, error) {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// Join joins path segments with slashes.
func Join(elem ...string) string {
	return strings.Trim(path.Join(elem...), "/")
}

// Parent returns the parent path, or "" for a top-level path.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Base returns the last path segment.
func Base(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

// Segments splits a path into its segments.
func Segments(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsWithin reports whether p equals root or lies below it.
func IsWithin(p, root string) bool {
	if root == "" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}
