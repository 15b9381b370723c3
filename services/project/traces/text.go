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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Built-in type and analysis identifiers.
const (
	TextTypeID       = "org.aleutian.trace.text"
	ExperimentTypeID = "org.aleutian.trace.experiment"
	StatisticsID     = "org.aleutian.analysis.statistics"
)

// RegisterBuiltins registers the text trace type, the generic experiment
// type and the statistics analysis for both.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Type{
		ID:         TextTypeID,
		Name:       "Text trace",
		Extensions: []string{".trace", ".txt"},
		Factory:    OpenTextTrace,
	}); err != nil {
		return err
	}
	if err := r.Register(Type{
		ID:         ExperimentTypeID,
		Name:       "Experiment",
		Experiment: true,
		Factory:    ExperimentFactory(r),
	}); err != nil {
		return err
	}
	stats := AnalysisSpec{
		ID:       StatisticsID,
		Name:     "Statistics",
		HelpText: "Counts events and reports the time range they span.",
	}
	r.RegisterAnalysis(TextTypeID, stats)
	r.RegisterAnalysis(ExperimentTypeID, stats)
	return nil
}

// TextTrace is a trace stored as one decimal nanosecond timestamp per line.
// Blank lines and lines starting with '#' are skipped.
type TextTrace struct {
	location string
}

// OpenTextTrace is the Factory of the text trace type.
func OpenTextTrace(_ context.Context, location string) (Trace, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("open text trace: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open text trace %s: is a directory", location)
	}
	return &TextTrace{location: location}, nil
}

// scan calls fn for every timestamp in file order until fn returns false.
func (t *TextTrace) scan(ctx context.Context, fn func(Timestamp) bool) error {
	f, err := os.Open(t.location)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(t.location), line, err)
		}
		if !fn(Timestamp(v)) {
			return nil
		}
	}
	return sc.Err()
}

// ReadStart implements Trace.
func (t *TextTrace) ReadStart(ctx context.Context) (Timestamp, error) {
	var first Timestamp
	found := false
	err := t.scan(ctx, func(ts Timestamp) bool {
		first, found = ts, true
		return false
	})
	if err != nil {
		return BigBang, err
	}
	if !found {
		return BigBang, ErrNoEvents
	}
	return first, nil
}

// ReadEnd implements Trace.
func (t *TextTrace) ReadEnd(ctx context.Context) (Timestamp, error) {
	var last Timestamp
	found := false
	if err := t.scan(ctx, func(ts Timestamp) bool {
		last, found = ts, true
		return true
	}); err != nil {
		return BigBang, err
	}
	if !found {
		return BigBang, ErrNoEvents
	}
	return last, nil
}

// AnalysisModule implements Trace.
func (t *TextTrace) AnalysisModule(id string) Module {
	if id != StatisticsID {
		return nil
	}
	return &statisticsModule{trace: t}
}

// Close implements Trace.
func (t *TextTrace) Close() error {
	return nil
}

type statisticsModule struct {
	trace Trace
}

func (m *statisticsModule) ID() string       { return StatisticsID }
func (m *statisticsModule) Name() string     { return "Statistics" }
func (m *statisticsModule) HelpText() string { return "Counts events and reports the time range they span." }

func (m *statisticsModule) CanExecute() bool {
	_, err := m.trace.ReadStart(context.Background())
	return err == nil
}

func (m *statisticsModule) Outputs() []Output {
	return []Output{
		{ID: StatisticsID + ".count", Name: "Event count"},
		{ID: StatisticsID + ".range", Name: "Time range"},
	}
}

// Experiment combines member traces. Its bounds span all members.
type Experiment struct {
	members []Trace
}

// NewExperiment creates an experiment over already opened members. Closing
// the experiment closes the members.
func NewExperiment(members ...Trace) *Experiment {
	return &Experiment{members: members}
}

// ExperimentFactory returns a Factory that opens every entry of the
// experiment folder with the type detected for it.
func ExperimentFactory(r *Registry) Factory {
	return func(ctx context.Context, location string) (Trace, error) {
		dirents, err := os.ReadDir(location)
		if err != nil {
			return nil, fmt.Errorf("open experiment: %w", err)
		}
		var members []Trace
		for _, d := range dirents {
			loc := filepath.Join(location, d.Name())
			if resolved, err := filepath.EvalSymlinks(loc); err == nil {
				loc = resolved
			}
			typeID, err := r.DetectType(loc, "")
			if err != nil {
				continue
			}
			factory, err := r.Resolve(typeID)
			if err != nil {
				continue
			}
			tr, err := factory(ctx, loc)
			if err != nil {
				for _, m := range members {
					m.Close()
				}
				return nil, fmt.Errorf("open experiment member %s: %w", d.Name(), err)
			}
			members = append(members, tr)
		}
		return NewExperiment(members...), nil
	}
}

// ReadStart implements Trace.
func (e *Experiment) ReadStart(ctx context.Context) (Timestamp, error) {
	return e.bound(ctx, Trace.ReadStart, func(a, b Timestamp) bool { return a < b })
}

// ReadEnd implements Trace.
func (e *Experiment) ReadEnd(ctx context.Context) (Timestamp, error) {
	return e.bound(ctx, Trace.ReadEnd, func(a, b Timestamp) bool { return a > b })
}

func (e *Experiment) bound(ctx context.Context, read func(Trace, context.Context) (Timestamp, error), better func(a, b Timestamp) bool) (Timestamp, error) {
	result := BigBang
	found := false
	for _, m := range e.members {
		ts, err := read(m, ctx)
		if errors.Is(err, ErrNoEvents) {
			continue
		}
		if err != nil {
			return BigBang, err
		}
		if !found || better(ts, result) {
			result, found = ts, true
		}
	}
	if !found {
		return BigBang, ErrNoEvents
	}
	return result, nil
}

// AnalysisModule implements Trace.
func (e *Experiment) AnalysisModule(id string) Module {
	if id != StatisticsID {
		return nil
	}
	return &statisticsModule{trace: e}
}

// Close implements Trace.
func (e *Experiment) Close() error {
	var errs []error
	for _, m := range e.members {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
