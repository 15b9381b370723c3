// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileProvider is a Provider backed by a directory on the local filesystem.
//
// # Description
//
// The workspace directory holds one sub-directory per project. Symbolic
// links are reported as KindLink entries whose Location is the resolved
// target. Files are written through a temporary file and a rename so that
// readers never see partial content.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers to the same path race at the
// filesystem level, last rename wins.
type FileProvider struct {
	root string
	gate *atomicGate
}

// NewFileProvider creates a provider rooted at dir. The directory is created
// if it does not exist.
func NewFileProvider(dir string) (*FileProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", abs, err)
	}
	return &FileProvider{root: abs, gate: newAtomicGate()}, nil
}

// Root returns the absolute workspace directory.
func (p *FileProvider) Root() string {
	return p.root
}

// Location implements Provider.
func (p *FileProvider) Location(path string) string {
	if path == "" {
		return p.root
	}
	return filepath.Join(p.root, filepath.FromSlash(path))
}

// Rel converts an absolute location into a workspace-relative path.
// Returns false for locations outside the workspace.
func (p *FileProvider) Rel(location string) (string, bool) {
	rel, err := filepath.Rel(p.root, location)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// List implements Provider.
func (p *FileProvider) List(path string) ([]Entry, error) {
	path, err := Clean(path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(p.Location(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		entry, err := p.stat(Join(path, d.Name()))
		if err != nil {
			// Entry vanished between ReadDir and Lstat.
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat implements Provider.
func (p *FileProvider) Stat(path string) (Entry, error) {
	path, err := Clean(path)
	if err != nil {
		return Entry{}, err
	}
	return p.stat(path)
}

func (p *FileProvider) stat(path string) (Entry, error) {
	loc := p.Location(path)
	info, err := os.Lstat(loc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("stat %s: %w", path, ErrNotExist)
		}
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}

	entry := Entry{Name: Base(path), Path: path, Location: loc}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		entry.Kind = KindLink
		if resolved, err := filepath.EvalSymlinks(loc); err == nil {
			entry.Location = resolved
			if rel, ok := p.Rel(resolved); ok {
				entry.Target = rel
			}
		} else if target, err := os.Readlink(loc); err == nil {
			// Broken link: report where it points.
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(loc), target)
			}
			entry.Location = target
			if rel, ok := p.Rel(target); ok {
				entry.Target = rel
			}
		}
	case info.IsDir():
		entry.Kind = KindFolder
	default:
		entry.Kind = KindFile
	}
	return entry, nil
}

// Exists implements Provider.
func (p *FileProvider) Exists(path string) bool {
	path, err := Clean(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(p.Location(path))
	return err == nil
}

// Delete implements Provider.
func (p *FileProvider) Delete(path string) error {
	path, err := Clean(path)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrInvalidPath
	}
	if err := os.RemoveAll(p.Location(path)); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// CreateFolder implements Provider.
func (p *FileProvider) CreateFolder(path string) error {
	path, err := Clean(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.Location(path), 0750); err != nil {
		return fmt.Errorf("create folder %s: %w", path, err)
	}
	return nil
}

// Create implements Provider.
func (p *FileProvider) Create(path string, data []byte) error {
	path, err := Clean(path)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrInvalidPath
	}
	loc := p.Location(path)
	if info, err := os.Stat(loc); err == nil && info.IsDir() {
		return fmt.Errorf("create %s: %w", path, ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(loc), 0750); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	return writeFileAtomic(loc, data)
}

// CreateLink implements Provider.
func (p *FileProvider) CreateLink(path, target string) error {
	path, err := Clean(path)
	if err != nil {
		return err
	}
	target, err = Clean(target)
	if err != nil {
		return err
	}
	loc := p.Location(path)
	if err := os.MkdirAll(filepath.Dir(loc), 0750); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.Symlink(p.Location(target), loc); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create link %s: %w", path, ErrExist)
		}
		return fmt.Errorf("create link %s: %w", path, err)
	}
	return nil
}

// Read implements Provider.
func (p *FileProvider) Read(path string) ([]byte, error) {
	path, err := Clean(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.Location(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// RunAtomic implements Provider. Watchers created for this provider hold
// batch delivery until fn returns.
func (p *FileProvider) RunAtomic(fn func() error) error {
	p.gate.hold()
	defer p.gate.release()
	return fn()
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(loc string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(loc), "."+filepath.Base(loc)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", loc, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", loc, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", loc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", loc, err)
	}
	if err := os.Rename(tmpName, loc); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", loc, err)
	}
	return nil
}

// atomicGate counts in-progress atomic operations and signals when the
// last one completes.
type atomicGate struct {
	mu       sync.Mutex
	depth    int
	released chan struct{}
}

func newAtomicGate() *atomicGate {
	return &atomicGate{released: make(chan struct{}, 1)}
}

func (g *atomicGate) hold() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
}

func (g *atomicGate) release() {
	g.mu.Lock()
	g.depth--
	done := g.depth == 0
	g.mu.Unlock()
	if done {
		select {
		case g.released <- struct{}{}:
		default:
		}
	}
}

func (g *atomicGate) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}
