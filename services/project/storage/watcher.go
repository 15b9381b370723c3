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
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rawEvent is an fsnotify event translated to a workspace path.
type rawEvent struct {
	path string
	op   fsnotify.Op
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before delivering.
	// Default: 100ms
	DebounceWindow time.Duration

	// IgnorePatterns are glob patterns matched against entry names.
	// Default: [".git", "*.swp", ".*.tmp*"]
	IgnorePatterns []string

	// BufferSize is the size of the raw event channel.
	// Default: 1000
	BufferSize int

	// Logger receives watcher errors. Nil disables logging.
	Logger *slog.Logger
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		IgnorePatterns: []string{".git", "*.swp", ".*.tmp*"},
		BufferSize:     1000,
	}
}

// Watcher delivers change batches for a FileProvider workspace.
//
// # Description
//
// Watches the workspace directory recursively and batches changes using a
// debounce window. Batches are delivered to the handler from a single
// goroutine, in order. While the provider runs an atomic operation, delivery
// is held so the whole operation surfaces as one batch.
//
// # Move Detection
//
// fsnotify reports a rename as Rename on the old path followed by Create on
// the new path. When both appear in one batch with the same entry name under
// different parents they are merged into a single ChangeMoved. Renames within
// one folder stay a removal plus an addition.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	provider      *FileProvider
	watcher       *fsnotify.Watcher
	handler       BatchHandler
	debounce      time.Duration
	ignorePattern []string
	logger        *slog.Logger

	events   chan rawEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a watcher for the provider's workspace.
//
// # Inputs
//
//   - provider: The workspace to watch.
//   - handler: Function called with each batch.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *Watcher: Ready-to-use watcher (call Start to begin watching).
//   - error: Non-nil if the watcher could not be created.
func NewWatcher(provider *FileProvider, handler BatchHandler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 100 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		provider:      provider,
		watcher:       fsw,
		handler:       handler,
		debounce:      opts.DebounceWindow,
		ignorePattern: opts.IgnorePatterns,
		logger:        logger,
		events:        make(chan rawEvent, opts.BufferSize),
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit when Stop is called or ctx
// is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.provider.Root()); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the delivery goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.provider.Root() && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignorePattern {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			rel, ok := w.provider.Rel(event.Name)
			if !ok || rel == "" {
				continue
			}

			select {
			case w.events <- rawEvent{path: rel, op: event.Op}:
			default:
				w.logger.Warn("watcher buffer full, dropping event", slog.String("path", rel))
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// Pick up the new directory and anything created in it
					// before the watch was registered.
					_ = w.addRecursive(event.Name)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []rawEvent
	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		} else {
			timer.Reset(w.debounce)
		}
	}

	flush := func() {
		if len(batch) > 0 {
			changes := coalesce(batch)
			if len(changes) > 0 && w.handler != nil {
				w.handler(Batch{Changes: changes})
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case ev := <-w.events:
			batch = append(batch, ev)
			arm()
		case <-w.provider.gate.released:
			if len(batch) > 0 {
				arm()
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if w.provider.gate.held() {
				// Released signal re-arms the timer.
				continue
			}
			flush()
		}
	}
}

// coalesce converts raw fsnotify events into changes: one change per path,
// renames paired with creates into moves.
func coalesce(events []rawEvent) []Change {
	order := make([]string, 0, len(events))
	kinds := make(map[string]ChangeKind, len(events))

	for _, ev := range events {
		var kind ChangeKind
		switch {
		case ev.op.Has(fsnotify.Create):
			kind = ChangeAdded
		case ev.op.Has(fsnotify.Write):
			kind = ChangeContent
		case ev.op.Has(fsnotify.Remove), ev.op.Has(fsnotify.Rename):
			kind = ChangeRemoved
		default:
			// Chmod only.
			continue
		}

		prev, seen := kinds[ev.path]
		if !seen {
			order = append(order, ev.path)
			kinds[ev.path] = kind
			continue
		}
		switch {
		case prev == ChangeAdded && kind == ChangeContent:
			// Still new.
		case prev == ChangeRemoved && kind == ChangeAdded:
			kinds[ev.path] = ChangeContent
		default:
			kinds[ev.path] = kind
		}
	}

	removed := make(map[string][]string)
	for _, p := range order {
		if kinds[p] == ChangeRemoved {
			removed[Base(p)] = append(removed[Base(p)], p)
		}
	}

	moves := make(map[string]string)
	consumed := make(map[string]bool)
	for _, p := range order {
		if kinds[p] != ChangeAdded {
			continue
		}
		for _, from := range removed[Base(p)] {
			if !consumed[from] && Parent(from) != Parent(p) {
				moves[p] = from
				consumed[from] = true
				break
			}
		}
	}

	out := make([]Change, 0, len(order))
	for _, p := range order {
		if consumed[p] {
			continue
		}
		if from, ok := moves[p]; ok {
			out = append(out, Change{Path: p, Kind: ChangeMoved, MovedFrom: from})
			continue
		}
		out = append(out, Change{Path: p, Kind: kinds[p]})
	}
	return out
}
