// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracetest provides in-memory fakes of the trace runtime contracts
// for tests.
package tracetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// Module is a configurable analysis module.
type Module struct {
	id   string
	name string
	help string

	mu         sync.Mutex
	canExecute bool
	outputs    []traces.Output
}

// NewModule creates a module that can execute and has no outputs.
func NewModule(id, name, help string) *Module {
	return &Module{id: id, name: name, help: help, canExecute: true}
}

func (m *Module) ID() string       { return m.id }
func (m *Module) Name() string     { return m.name }
func (m *Module) HelpText() string { return m.help }

// CanExecute implements traces.Module.
func (m *Module) CanExecute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canExecute
}

// SetCanExecute changes the CanExecute result.
func (m *Module) SetCanExecute(v bool) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canExecute = v
	return m
}

// Outputs implements traces.Module.
func (m *Module) Outputs() []traces.Output {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]traces.Output(nil), m.outputs...)
}

// SetOutputs replaces the outputs.
func (m *Module) SetOutputs(outputs ...traces.Output) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = outputs
	return m
}

// Trace is an in-memory trace with fixed bounds.
type Trace struct {
	mu       sync.Mutex
	start    traces.Timestamp
	end      traces.Timestamp
	empty    bool
	readErr  error
	modules  map[string]*Module
	closed   bool
	reads    int
	readHook func()
}

// NewTrace creates a trace spanning [start, end].
func NewTrace(start, end traces.Timestamp) *Trace {
	return &Trace{start: start, end: end, modules: make(map[string]*Module)}
}

// NewEmptyTrace creates a trace without events.
func NewEmptyTrace() *Trace {
	t := NewTrace(0, 0)
	t.empty = true
	return t
}

// WithModule adds a module.
func (t *Trace) WithModule(m *Module) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[m.ID()] = m
	return t
}

// WithReadError makes bound reads fail with err.
func (t *Trace) WithReadError(err error) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
	return t
}

// OnRead installs a hook called at the start of every bound read.
func (t *Trace) OnRead(fn func()) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readHook = fn
	return t
}

func (t *Trace) read(v traces.Timestamp) (traces.Timestamp, error) {
	t.mu.Lock()
	hook := t.readHook
	t.reads++
	t.mu.Unlock()
	if hook != nil {
		hook()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return traces.BigBang, t.readErr
	}
	if t.empty {
		return traces.BigBang, traces.ErrNoEvents
	}
	return v, nil
}

// ReadStart implements traces.Trace.
func (t *Trace) ReadStart(context.Context) (traces.Timestamp, error) {
	return t.read(t.start)
}

// ReadEnd implements traces.Trace.
func (t *Trace) ReadEnd(context.Context) (traces.Timestamp, error) {
	return t.read(t.end)
}

// AnalysisModule implements traces.Trace.
func (t *Trace) AnalysisModule(id string) traces.Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.modules[id]; ok {
		return m
	}
	return nil
}

// Close implements traces.Trace.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Trace) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Reads returns the number of bound reads.
func (t *Trace) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

// Factory hands out pre-configured traces by location.
type Factory struct {
	mu     sync.Mutex
	traces map[string]*Trace
	errs   map[string]error
	opened map[string]int
}

// NewFactory creates an empty factory. Unknown locations open as empty
// traces.
func NewFactory() *Factory {
	return &Factory{
		traces: make(map[string]*Trace),
		errs:   make(map[string]error),
		opened: make(map[string]int),
	}
}

// Set registers the trace returned for location.
func (f *Factory) Set(location string, t *Trace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces[location] = t
}

// Fail makes opening location fail.
func (f *Factory) Fail(location string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[location] = err
}

// Opened returns how many times location was opened.
func (f *Factory) Opened(location string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[location]
}

// Open is the traces.Factory.
func (f *Factory) Open(_ context.Context, location string) (traces.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[location]; err != nil {
		return nil, err
	}
	f.opened[location]++
	t, ok := f.traces[location]
	if !ok {
		t = NewEmptyTrace()
		f.traces[location] = t
	}
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
	return t, nil
}

// ErrProbe is returned by failing OnDemand probes.
var ErrProbe = errors.New("probe failed")

// OnDemand is a configurable on-demand analysis.
type OnDemand struct {
	id   string
	name string

	mu      sync.Mutex
	result  bool
	err     error
	panics  bool
	release chan struct{}

	calls atomic.Int32
}

// NewOnDemand creates an analysis whose probe returns result.
func NewOnDemand(id, name string, result bool) *OnDemand {
	return &OnDemand{id: id, name: name, result: result}
}

func (a *OnDemand) ID() string   { return a.id }
func (a *OnDemand) Name() string { return a.name }

// FailWith makes the probe return err.
func (a *OnDemand) FailWith(err error) *OnDemand {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	return a
}

// Panic makes the probe panic.
func (a *OnDemand) Panic() *OnDemand {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panics = true
	return a
}

// Block makes probes wait until the returned function is called.
func (a *OnDemand) Block() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.release = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many times the probe ran.
func (a *OnDemand) Calls() int {
	return int(a.calls.Load())
}

// CanExecute implements traces.OnDemandAnalysis.
func (a *OnDemand) CanExecute(ctx context.Context, _ traces.Trace) (bool, error) {
	a.calls.Add(1)
	a.mu.Lock()
	release, result, err, panics := a.release, a.result, a.err, a.panics
	a.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if panics {
		panic("probe exploded")
	}
	return result, err
}
