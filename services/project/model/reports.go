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
	"fmt"
	"sync"
)

// Report is a generated report attached to a trace or experiment.
type Report interface {
	Name() string
}

// Reports holds the report elements of one Views node.
type Reports struct {
	node
	mu sync.Mutex
}

func newReports(env *Env, views *Views) *Reports {
	r := &Reports{}
	r.init(r, env, KindReports, views, "Reports", virtualID(views, "reports"), views.Path(), views.Location())
	return r
}

// Reports returns the report children.
func (r *Reports) Reports() []*ReportElement {
	return childrenOf[*ReportElement](r)
}

// Refresh implements Element. Reports are not backed by storage.
func (r *Reports) Refresh(context.Context) error { return nil }

func (r *Reports) add(report Report) *ReportElement {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[string]bool)
	for _, c := range r.Children() {
		taken[c.Name()] = true
	}
	name := report.Name()
	for i := 2; taken[name]; i++ {
		name = fmt.Sprintf("%s (%d)", report.Name(), i)
	}

	e := &ReportElement{report: report}
	e.init(e, r.env, KindReport, r, name, virtualID(r, name), r.path, r.location)
	r.addChild(e)
	r.changed()
	return e
}

func (r *Reports) remove(report Report) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Reports() {
		if e.report == report {
			r.removeChild(e)
			e.Dispose()
			r.changed()
			return true
		}
	}
	return false
}

// ReportElement is one report.
type ReportElement struct {
	node
	report Report
}

// Report returns the wrapped report.
func (e *ReportElement) Report() Report { return e.report }

// Refresh implements Element.
func (e *ReportElement) Refresh(context.Context) error { return nil }
