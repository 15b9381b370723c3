// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the service-level metrics of the projects service.
//
// Component-internal counters (queue depths, probe outcomes) live next to
// their components as prometheus collectors. These cover the request and
// model operations visible at the service boundary.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// HTTPRequestsTotal counts HTTP requests by route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// ProjectsOpen tracks projects currently held by the registry.
	ProjectsOpen metric.Int64UpDownCounter

	// BoundsJobsTotal counts scheduled bounds jobs by outcome.
	BoundsJobsTotal metric.Int64Counter

	// PromptsTotal counts answered confirmation prompts by answer.
	PromptsTotal metric.Int64Counter
}

// NewMetrics registers all metrics with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"projects_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"projects_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.ProjectsOpen, err = meter.Int64UpDownCounter(
		"projects_open",
		metric.WithDescription("Projects currently open"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create projects_open: %w", err)
	}

	m.BoundsJobsTotal, err = meter.Int64Counter(
		"projects_bounds_jobs_total",
		metric.WithDescription("Bounds jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bounds_jobs_total: %w", err)
	}

	m.PromptsTotal, err = meter.Int64Counter(
		"projects_prompts_total",
		metric.WithDescription("Answered confirmation prompts by answer"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prompts_total: %w", err)
	}

	return m, nil
}
