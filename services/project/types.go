// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// ServiceVersion is the projects service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Candidates []string `json:"candidates,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Projects int    `json:"projects"`
}

// ProjectListResponse is returned by GET /v1/projects.
type ProjectListResponse struct {
	Projects []ProjectSummary `json:"projects"`
}

// ProjectSummary describes one open project.
type ProjectSummary struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	Traces      int    `json:"traces"`
	Experiments int    `json:"experiments"`
}

// BoundsRequest is the body of POST /v1/projects/:project/bounds. An empty
// trace list schedules every trace of the project.
type BoundsRequest struct {
	Traces []string `json:"traces" binding:"omitempty,max=10000,dive,required,trace_path"`
}

// BoundsJobResponse describes a bounds job.
type BoundsJobResponse struct {
	JobID   string                  `json:"job_id"`
	Project string                  `json:"project"`
	Queued  int                     `json:"queued"`
	Done    bool                    `json:"done"`
	Error   string                  `json:"error,omitempty"`
	Results map[string]BoundsResult `json:"results,omitempty"`
}

// BoundsResult is the resolved time range of one trace. Unbounded ends
// are reported as BigBang.
type BoundsResult struct {
	Start  traces.Timestamp `json:"start"`
	End    traces.Timestamp `json:"end"`
	Source string           `json:"source"`
}

// TraceTypeRequest is the body of POST /v1/projects/:project/traces/type.
// TypeID sets the type explicitly; otherwise the type is detected, with
// Hint preferred when it names a registered type.
type TraceTypeRequest struct {
	Trace  string `json:"trace" binding:"required,trace_path"`
	Hint   string `json:"hint"`
	TypeID string `json:"type_id"`
}

// TraceTypeResponse reports the type stored for a trace.
type TraceTypeResponse struct {
	Trace  string `json:"trace"`
	TypeID string `json:"type_id"`
}

// PromptAnswer is the body of POST /v1/projects/prompts/:id.
type PromptAnswer struct {
	Accept *bool `json:"accept" binding:"required"`
	Always bool  `json:"always"`
}

// Decision converts the answer.
func (a PromptAnswer) Decision() reconcile.Decision {
	return reconcile.Decision{Accept: *a.Accept, Always: a.Always}
}
