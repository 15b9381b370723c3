// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
)

var (
	promptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_prompts_total",
		Help: "Changed-while-open confirmations by decision",
	}, []string{"decision"})

	promptQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "projects_prompt_queue_depth",
		Help: "Changed-while-open traces waiting for a confirmation",
	})
)

// Request asks whether to close an open trace whose content changed and
// discard its caches.
type Request struct {
	ID    string `json:"id"`
	Trace string `json:"trace"`
	Name  string `json:"name"`
}

// Decision answers a Request.
type Decision struct {
	// Accept closes the trace and deletes its caches.
	Accept bool `json:"accept"`

	// Always applies this decision to every later request without asking.
	Always bool `json:"always"`
}

// Prompter presents one request and blocks until it is answered.
type Prompter interface {
	Confirm(ctx context.Context, req Request) (Decision, error)
}

// PrompterFunc adapts a function to a Prompter.
type PrompterFunc func(ctx context.Context, req Request) (Decision, error)

// Confirm implements Prompter.
func (f PrompterFunc) Confirm(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// PromptQueue serializes confirmations for traces changed while open.
//
// # Description
//
// Requests are presented strictly in arrival order and never more than one
// at a time: traces enqueued while a prompt is showing wait behind it. A
// decision marked Always is remembered and applied to every later trace
// without prompting. A prompter error counts as declining.
//
// # Thread Safety
//
// Safe for concurrent use.
type PromptQueue struct {
	prompter Prompter
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	queue      []model.TraceNode
	showing    bool
	remembered *bool
	idle       *sync.Cond
}

// NewPromptQueue creates a queue that asks p. A nil logger disables
// logging.
func NewPromptQueue(p Prompter, logger *slog.Logger) *PromptQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &PromptQueue{prompter: p, logger: logger, ctx: ctx, cancel: cancel}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a trace. The first trace of an idle queue starts the
// prompt loop.
func (q *PromptQueue) Enqueue(t model.TraceNode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, t)
	promptQueueDepth.Set(float64(len(q.queue)))
	if !q.showing {
		q.showing = true
		go q.drain()
	}
}

// Pending returns the number of traces waiting, the one being asked about
// included.
func (q *PromptQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Wait blocks until every enqueued trace was handled or ctx is done.
func (q *PromptQueue) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.idle.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.showing {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.idle.Wait()
	}
	return nil
}

// ResetAlways forgets a remembered decision.
func (q *PromptQueue) ResetAlways() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remembered = nil
}

// Close cancels the prompt in progress. Traces still queued are declined.
func (q *PromptQueue) Close() {
	q.cancel()
}

func (q *PromptQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.showing = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		head := q.queue[0]
		remembered := q.remembered
		q.mu.Unlock()

		var accept bool
		if remembered != nil {
			accept = *remembered
			promptsTotal.WithLabelValues("remembered").Inc()
		} else {
			accept = q.ask(head)
		}

		q.mu.Lock()
		q.queue[0] = nil
		q.queue = q.queue[1:]
		promptQueueDepth.Set(float64(len(q.queue)))
		q.mu.Unlock()

		if accept {
			discard(head, q.logger)
		}
	}
}

func (q *PromptQueue) ask(t model.TraceNode) bool {
	if q.ctx.Err() != nil {
		promptsTotal.WithLabelValues("canceled").Inc()
		return false
	}
	req := Request{ID: uuid.NewString(), Trace: t.Path(), Name: t.Name()}
	d, err := q.prompter.Confirm(q.ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Warn("confirmation failed, keeping trace open",
				slog.String("trace", req.Trace),
				slog.String("error", err.Error()))
		}
		promptsTotal.WithLabelValues("error").Inc()
		return false
	}
	if d.Always {
		accept := d.Accept
		q.mu.Lock()
		q.remembered = &accept
		q.mu.Unlock()
	}
	if d.Accept {
		promptsTotal.WithLabelValues("accepted").Inc()
	} else {
		promptsTotal.WithLabelValues("declined").Inc()
	}
	return d.Accept
}

// discard closes a trace and deletes its derived caches.
func discard(t model.TraceNode, logger *slog.Logger) {
	if err := t.Close(); err != nil {
		logger.Warn("close changed trace",
			slog.String("trace", t.Path()),
			slog.String("error", err.Error()))
	}
	if err := t.DeleteSupplementary(); err != nil {
		logger.Warn("delete caches of changed trace",
			slog.String("trace", t.Path()),
			slog.String("error", err.Error()))
	}
}
