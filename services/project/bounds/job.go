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
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
)

// ErrJobStarted is returned by Start on a job that already ran.
var ErrJobStarted = errors.New("bounds job already started")

// ErrorReporter is told about traces whose bounds could not be resolved,
// typically because the trace failed to instantiate.
type ErrorReporter func(t model.TraceNode, err error)

// JobOptions configures a Job.
type JobOptions struct {
	// Logger receives per-trace failures. Nil disables logging.
	Logger *slog.Logger

	// Reporter is told about traces that failed. Optional.
	Reporter ErrorReporter
}

// Job resolves the bounds of a queue of traces in the background.
//
// # Description
//
// Traces are processed in scheduling order, one at a time. Traces may be
// scheduled before Start and while the job runs; the job finishes when the
// queue is empty. A failing trace is reported and skipped. Cancellation is
// checked between traces; the trace in flight when the job is canceled is
// not persisted.
//
// # Thread Safety
//
// Safe for concurrent use.
type Job struct {
	id       string
	logger   *slog.Logger
	reporter ErrorReporter

	mu       sync.Mutex
	queue    []model.TraceNode
	started  bool
	finished bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	resolved map[string]Result
}

// NewJob creates an idle job.
func NewJob(opts JobOptions) *Job {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &Job{
		id:       id,
		logger:   logger.With(slog.String("job_id", id)),
		reporter: opts.Reporter,
		done:     make(chan struct{}),
		resolved: make(map[string]Result),
	}
}

// ID returns the unique job id.
func (j *Job) ID() string { return j.id }

// Schedule appends traces to the queue. Returns false when the job already
// finished.
func (j *Job) Schedule(ts ...model.TraceNode) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return false
	}
	j.queue = append(j.queue, ts...)
	return true
}

// Start runs the job in a new goroutine.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return ErrJobStarted
	}
	j.started = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Cancel stops the job before the next trace.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the job finishes or ctx is done. It returns the
// cancellation error if the job was canceled.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the job finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Results returns the bounds resolved so far, keyed by trace id.
func (j *Job) Results() map[string]Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]Result, len(j.resolved))
	for k, v := range j.resolved {
		out[k] = v
	}
	return out
}

func (j *Job) next() (model.TraceNode, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) == 0 {
		j.finished = true
		return nil, false
	}
	t := j.queue[0]
	j.queue[0] = nil
	j.queue = j.queue[1:]
	return t, true
}

func (j *Job) run(ctx context.Context) {
	var err error
	defer func() {
		j.mu.Lock()
		j.err = err
		j.finished = true
		j.queue = nil
		j.mu.Unlock()
		j.cancel()
		close(j.done)
	}()

	for {
		if err = ctx.Err(); err != nil {
			j.logger.Info("bounds job canceled")
			return
		}
		t, ok := j.next()
		if !ok {
			return
		}
		if t.Disposed() {
			continue
		}

		res, resolveErr := Resolve(ctx, t, j.logger)
		if resolveErr != nil {
			if ctx.Err() != nil {
				continue
			}
			j.logger.Warn("resolve trace bounds",
				slog.String("trace", t.Path()),
				slog.String("error", resolveErr.Error()))
			if j.reporter != nil {
				j.reporter(t, resolveErr)
			}
			continue
		}

		j.mu.Lock()
		j.resolved[t.ID()] = res
		j.mu.Unlock()
	}
}
