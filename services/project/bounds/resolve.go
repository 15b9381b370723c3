// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

var tracer = otel.Tracer("aleutian.projects.bounds")

var (
	resolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_bounds_resolved_total",
		Help: "Bounds resolutions by the source that answered them",
	}, []string{"source"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "projects_bounds_scan_duration_seconds",
		Help:    "Duration of bounds extraction from an instantiated trace",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	corruptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projects_bounds_corrupt_cache_total",
		Help: "Bounds cache files discarded as corrupt",
	})
)

// Source tells where resolved bounds came from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceCache  Source = "cache"
	SourceScan   Source = "scan"
)

// Result is the outcome of resolving one trace.
type Result struct {
	Start  traces.Timestamp
	End    traces.Timestamp
	Source Source
}

// flight de-duplicates concurrent resolutions of one trace across jobs.
var flight singleflight.Group

// CachePath returns the storage path of the bounds cache of t.
func CachePath(t model.TraceNode) string {
	return storage.Join(t.SupplementaryPath(), CacheFileName)
}

// Resolve returns the bounds of t, computing and persisting them if needed.
//
// # Description
//
// In order: bounds already held by the element; the persisted cache file;
// a scan of the instantiated trace. A corrupt cache file is deleted and
// treated as missing. A scan opens the trace if it is closed and closes it
// again afterwards. Bounds that cannot be read (empty trace, read failure)
// are recorded as traces.BigBang. Scanned bounds are persisted in one
// atomic storage operation.
//
// If ctx is canceled during the scan nothing is persisted or cached.
// Concurrent calls for one trace share a single resolution; a caller whose
// context is still live retries when the shared one was canceled.
//
// # Outputs
//
//   - Result: The bounds and their source.
//   - error: Instantiation failures and cancellation.
func Resolve(ctx context.Context, t model.TraceNode, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if start, end, ok := t.CachedBounds(); ok {
		resolvedTotal.WithLabelValues(string(SourceMemory)).Inc()
		return Result{Start: start, End: end, Source: SourceMemory}, nil
	}

	for {
		ch := flight.DoChan(t.ID(), func() (any, error) {
			return resolve(ctx, t, logger)
		})
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The shared resolution ran under another caller's context.
				if isContextErr(r.Err) && ctx.Err() == nil {
					continue
				}
				return Result{}, r.Err
			}
			return r.Val.(Result), nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func resolve(ctx context.Context, t model.TraceNode, logger *slog.Logger) (Result, error) {
	ctx, span := tracer.Start(ctx, "bounds.Resolve",
		trace.WithAttributes(attribute.String("trace.path", t.Path())),
	)
	defer span.End()

	store := t.Project().Env().Storage
	path := CachePath(t)

	data, err := store.Read(path)
	switch {
	case err == nil:
		start, end, decodeErr := Decode(data)
		if decodeErr == nil {
			t.SetBounds(start, end)
			resolvedTotal.WithLabelValues(string(SourceCache)).Inc()
			span.SetAttributes(attribute.String("bounds.source", string(SourceCache)))
			return Result{Start: start, End: end, Source: SourceCache}, nil
		}
		corruptTotal.Inc()
		logger.Warn("discarding corrupt bounds cache",
			slog.String("path", path),
			slog.String("error", decodeErr.Error()))
		if delErr := store.RunAtomic(func() error { return store.Delete(path) }); delErr != nil {
			logger.Warn("delete corrupt bounds cache",
				slog.String("path", path),
				slog.String("error", delErr.Error()))
		}
	case errors.Is(err, storage.ErrNotExist):
		// Not computed yet.
	default:
		logger.Warn("read bounds cache",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}

	res, err := scan(ctx, t, logger)
	if err != nil {
		telemetry.RecordError(span, err, attribute.String("trace", t.Path()))
		return Result{}, err
	}

	encoded := Encode(res.Start, res.End)
	if err := store.RunAtomic(func() error { return store.Create(path, encoded) }); err != nil {
		// The bounds are still valid for this session.
		logger.Warn("persist bounds cache",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	t.SetBounds(res.Start, res.End)
	resolvedTotal.WithLabelValues(string(SourceScan)).Inc()
	span.SetAttributes(attribute.String("bounds.source", string(SourceScan)))
	return res, nil
}

// scan reads the bounds from the instantiated trace.
func scan(ctx context.Context, t model.TraceNode, logger *slog.Logger) (Result, error) {
	began := time.Now()
	defer func() { scanDuration.Observe(time.Since(began).Seconds()) }()

	h := t.Handle()
	if h == nil {
		opened, err := t.Open(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("instantiate %s: %w", t.Path(), err)
		}
		h = opened
		defer func() {
			if err := t.Close(); err != nil {
				logger.Warn("close trace after bounds scan",
					slog.String("path", t.Path()),
					slog.String("error", err.Error()))
			}
		}()
	}

	start := read(ctx, t, h.ReadStart, logger)
	end := read(ctx, t, h.ReadEnd, logger)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Start: start, End: end, Source: SourceScan}, nil
}

func read(ctx context.Context, t model.TraceNode, fn func(context.Context) (traces.Timestamp, error), logger *slog.Logger) traces.Timestamp {
	ts, err := fn(ctx)
	if err != nil {
		if !errors.Is(err, traces.ErrNoEvents) && ctx.Err() == nil {
			logger.Warn("read trace bound",
				slog.String("path", t.Path()),
				slog.String("error", err.Error()))
		}
		return traces.BigBang
	}
	return ts
}
