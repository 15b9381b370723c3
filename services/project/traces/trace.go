// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traces defines the trace runtime contracts consumed by the project
// model and a plain registry mapping trace type identifiers to factories.
//
// Parsing traces and executing analyses happens behind these interfaces; the
// model only instantiates traces, reads their bounds and asks modules whether
// they can execute.
package traces

import (
	"context"
	"errors"
	"math"
	"strconv"
)

// Timestamp is a point in time in nanoseconds.
type Timestamp int64

// BigBang is the canonical unbounded timestamp. It also marks a bound that
// could not be determined.
const BigBang Timestamp = math.MinInt64

// IsBigBang reports whether t is the unbounded timestamp.
func (t Timestamp) IsBigBang() bool {
	return t == BigBang
}

// String formats the timestamp in nanoseconds, or "big-bang".
func (t Timestamp) String() string {
	if t.IsBigBang() {
		return "big-bang"
	}
	return strconv.FormatInt(int64(t), 10)
}

var (
	// ErrNoEvents is returned by ReadStart/ReadEnd for a trace without events.
	ErrNoEvents = errors.New("trace has no events")

	// ErrUnknownType is returned when no registered type matches.
	ErrUnknownType = errors.New("unknown trace type")

	// ErrDuplicateType is returned when registering an id twice.
	ErrDuplicateType = errors.New("trace type already registered")
)

// Trace is an instantiated trace.
type Trace interface {
	// ReadStart returns the timestamp of the first event.
	ReadStart(ctx context.Context) (Timestamp, error)

	// ReadEnd returns the timestamp of the last event.
	ReadEnd(ctx context.Context) (Timestamp, error)

	// AnalysisModule returns the module for id, or nil if the trace does not
	// provide it.
	AnalysisModule(id string) Module

	// Close releases the trace.
	Close() error
}

// Output is one output exposed by an analysis module.
type Output struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Module is an analysis module instantiated against a live trace.
type Module interface {
	ID() string
	Name() string
	HelpText() string
	CanExecute() bool
	Outputs() []Output
}

// OnDemandAnalysis is an analysis that is run on request. CanExecute may
// block for a long time and must never be called on a refresh path.
type OnDemandAnalysis interface {
	ID() string
	Name() string
	CanExecute(ctx context.Context, trace Trace) (bool, error)
}

// Factory instantiates a trace from its resolved location.
type Factory func(ctx context.Context, location string) (Trace, error)
