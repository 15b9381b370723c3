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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
)

var (
	tracer = otel.Tracer("aleutian.projects.model")
	meter  = otel.Meter("aleutian.projects.model")
)

var (
	refreshTotal    metric.Int64Counter
	refreshDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		refreshTotal, err = meter.Int64Counter(
			"projects_model_refresh_total",
			metric.WithDescription("Element refreshes by kind and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		refreshDuration, err = meter.Float64Histogram(
			"projects_model_refresh_duration_seconds",
			metric.WithDescription("Duration of element refreshes, subtree included"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRefresh opens a span for a refresh of a container element. The
// returned function records the outcome.
func startRefresh(ctx context.Context, e Element) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "Element.Refresh",
		trace.WithAttributes(
			attribute.String("element.kind", string(e.Kind())),
			attribute.String("element.path", e.Path()),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanOK(span)
		}
		span.End()
		if initMetrics() != nil {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("kind", string(e.Kind())),
			attribute.String("status", status),
		)
		refreshTotal.Add(ctx, 1, attrs)
		refreshDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
