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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memEntry is one stored item of a MemoryProvider.
type memEntry struct {
	kind   EntryKind
	data   []byte
	target string
}

// MemoryProvider is an in-memory Provider.
//
// # Description
//
// Every mutation is reported to subscribers as one batch, except inside
// RunAtomic where all changes are collected and delivered as a single batch
// once the function returns. Delivery is synchronous with the mutating call
// but never re-entrant: a mutation performed by a handler is queued and
// delivered after the current batch, by the goroutine already delivering.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryProvider struct {
	base string

	mu      sync.RWMutex
	entries map[string]*memEntry
	depth   int
	pending []Change

	qmu        sync.Mutex
	queue      []Batch
	delivering bool
	handlers   []BatchHandler
}

// NewMemoryProvider creates an empty store whose locations are reported
// under base (e.g. "/mem").
func NewMemoryProvider(base string) *MemoryProvider {
	if base == "" {
		base = "/mem"
	}
	return &MemoryProvider{
		base:    strings.TrimRight(base, "/"),
		entries: make(map[string]*memEntry),
	}
}

// Subscribe registers a batch handler.
func (m *MemoryProvider) Subscribe(h BatchHandler) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.handlers = append(m.handlers, h)
}

// List implements Provider.
func (m *MemoryProvider) List(p string) ([]Entry, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if p != "" {
		e, ok := m.entries[p]
		if !ok {
			return nil, fmt.Errorf("list %s: %w", p, ErrNotExist)
		}
		if e.kind != KindFolder {
			return nil, fmt.Errorf("list %s: %w", p, ErrNotFolder)
		}
	}

	var out []Entry
	for key := range m.entries {
		if Parent(key) == p {
			out = append(out, m.entryLocked(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat implements Provider.
func (m *MemoryProvider) Stat(p string) (Entry, error) {
	p, err := Clean(p)
	if err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.entries[p]; !ok {
		return Entry{}, fmt.Errorf("stat %s: %w", p, ErrNotExist)
	}
	return m.entryLocked(p), nil
}

func (m *MemoryProvider) entryLocked(key string) Entry {
	e := m.entries[key]
	entry := Entry{
		Name:     Base(key),
		Path:     key,
		Kind:     e.kind,
		Location: m.location(key),
	}
	if e.kind == KindLink {
		entry.Target = e.target
		entry.Location = m.location(e.target)
	}
	return entry
}

// Exists implements Provider.
func (m *MemoryProvider) Exists(p string) bool {
	p, err := Clean(p)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[p]
	if !ok {
		return false
	}
	if e.kind == KindLink {
		_, ok = m.entries[e.target]
	}
	return ok
}

// Delete implements Provider.
func (m *MemoryProvider) Delete(p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "" {
		return ErrInvalidPath
	}

	m.mu.Lock()
	if _, ok := m.entries[p]; !ok {
		m.mu.Unlock()
		return nil
	}
	for key := range m.entries {
		if IsWithin(key, p) {
			delete(m.entries, key)
		}
	}
	batch := m.recordLocked(Change{Path: p, Kind: ChangeRemoved})
	m.mu.Unlock()

	m.emit(batch)
	return nil
}

// CreateFolder implements Provider.
func (m *MemoryProvider) CreateFolder(p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "" {
		return nil
	}

	m.mu.Lock()
	changes, err := m.ensureFoldersLocked(p)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	batch := m.recordLocked(changes...)
	m.mu.Unlock()

	m.emit(batch)
	return nil
}

// Create implements Provider.
func (m *MemoryProvider) Create(p string, data []byte) error {
	return m.put(p, &memEntry{kind: KindFile, data: append([]byte(nil), data...)})
}

// CreateLink implements Provider.
func (m *MemoryProvider) CreateLink(p, target string) error {
	target, err := Clean(target)
	if err != nil {
		return err
	}
	return m.put(p, &memEntry{kind: KindLink, target: target})
}

func (m *MemoryProvider) put(p string, entry *memEntry) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "" {
		return ErrInvalidPath
	}

	m.mu.Lock()
	changes, err := m.ensureFoldersLocked(Parent(p))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	kind := ChangeAdded
	if old, ok := m.entries[p]; ok {
		if old.kind == KindFolder {
			m.mu.Unlock()
			return fmt.Errorf("create %s: %w", p, ErrExist)
		}
		kind = ChangeContent
	}
	m.entries[p] = entry
	changes = append(changes, Change{Path: p, Kind: kind})
	batch := m.recordLocked(changes...)
	m.mu.Unlock()

	m.emit(batch)
	return nil
}

// Move renames an entry and everything below it, reporting a single
// ChangeMoved notification.
func (m *MemoryProvider) Move(from, to string) error {
	from, err := Clean(from)
	if err != nil {
		return err
	}
	to, err = Clean(to)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.entries[from]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("move %s: %w", from, ErrNotExist)
	}
	if _, ok := m.entries[to]; ok {
		m.mu.Unlock()
		return fmt.Errorf("move %s: %w", to, ErrExist)
	}
	changes, err := m.ensureFoldersLocked(Parent(to))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	moved := make(map[string]*memEntry)
	for key, e := range m.entries {
		if IsWithin(key, from) {
			moved[to+strings.TrimPrefix(key, from)] = e
			delete(m.entries, key)
		}
	}
	for key, e := range moved {
		m.entries[key] = e
	}
	changes = append(changes, Change{Path: to, Kind: ChangeMoved, MovedFrom: from})
	batch := m.recordLocked(changes...)
	m.mu.Unlock()

	m.emit(batch)
	return nil
}

// Read implements Provider.
func (m *MemoryProvider) Read(p string) ([]byte, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, ErrNotExist)
	}
	if e.kind == KindLink {
		if e, ok = m.entries[e.target]; !ok {
			return nil, fmt.Errorf("read %s: %w", p, ErrNotExist)
		}
	}
	if e.kind == KindFolder {
		return nil, fmt.Errorf("read %s: %w", p, ErrNotFolder)
	}
	return append([]byte(nil), e.data...), nil
}

// Location implements Provider.
func (m *MemoryProvider) Location(p string) string {
	return m.location(p)
}

func (m *MemoryProvider) location(p string) string {
	if p == "" {
		return m.base
	}
	return m.base + "/" + p
}

// RunAtomic implements Provider.
func (m *MemoryProvider) RunAtomic(fn func() error) error {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()

	err := fn()

	m.mu.Lock()
	m.depth--
	var batch []Change
	if m.depth == 0 {
		batch = m.pending
		m.pending = nil
	}
	m.mu.Unlock()

	m.emit(batch)
	return err
}

// ensureFoldersLocked creates missing folders up to p. Caller holds mu.
func (m *MemoryProvider) ensureFoldersLocked(p string) ([]Change, error) {
	var changes []Change
	segs := Segments(p)
	for i := range segs {
		key := strings.Join(segs[:i+1], "/")
		if e, ok := m.entries[key]; ok {
			if e.kind != KindFolder {
				return nil, fmt.Errorf("create folder %s: %w", key, ErrNotFolder)
			}
			continue
		}
		m.entries[key] = &memEntry{kind: KindFolder}
		changes = append(changes, Change{Path: key, Kind: ChangeAdded})
	}
	return changes, nil
}

// recordLocked either defers changes to the enclosing atomic operation or
// returns them for immediate delivery. Caller holds mu.
func (m *MemoryProvider) recordLocked(changes ...Change) []Change {
	if m.depth > 0 {
		m.pending = append(m.pending, changes...)
		return nil
	}
	return changes
}

// emit delivers a batch to every subscriber, in order, without re-entrance.
func (m *MemoryProvider) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}

	m.qmu.Lock()
	m.queue = append(m.queue, Batch{Changes: changes})
	if m.delivering {
		m.qmu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		batch := m.queue[0]
		m.queue = m.queue[1:]
		handlers := append([]BatchHandler(nil), m.handlers...)
		m.qmu.Unlock()
		for _, h := range handlers {
			h(batch)
		}
		m.qmu.Lock()
	}
	m.delivering = false
	m.qmu.Unlock()
}

// MemoryProperties is an in-memory PropertyStore.
type MemoryProperties struct {
	mu    sync.RWMutex
	props map[string]map[string]string
}

// NewMemoryProperties creates an empty property store.
func NewMemoryProperties() *MemoryProperties {
	return &MemoryProperties{props: make(map[string]map[string]string)}
}

// Get implements PropertyStore.
func (s *MemoryProperties) Get(path, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.props[path][key]
	return v, ok, nil
}

// Set implements PropertyStore.
func (s *MemoryProperties) Set(path, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.props[path] == nil {
		s.props[path] = make(map[string]string)
	}
	s.props[path][key] = value
	return nil
}

// Delete implements PropertyStore.
func (s *MemoryProperties) Delete(path, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.props[path], key)
	return nil
}

// DeletePrefix implements PropertyStore.
func (s *MemoryProperties) DeletePrefix(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.props {
		if IsWithin(p, path) {
			delete(s.props, p)
		}
	}
	return nil
}
