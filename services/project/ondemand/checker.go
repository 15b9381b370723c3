// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ondemand runs on-demand analysis feasibility probes on a single
// background worker.
package ondemand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("on-demand checker closed")

var (
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_ondemand_probes_total",
		Help: "On-demand feasibility probes by outcome",
	}, []string{"outcome"})

	probeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "projects_ondemand_probe_duration_seconds",
		Help:    "Time spent in on-demand feasibility probes",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "projects_ondemand_queue_depth",
		Help: "Probes waiting for the worker",
	})
)

// Probe decides whether an analysis can run. It may block.
type Probe func(ctx context.Context) (bool, error)

// ResultFunc receives the outcome of a probe. A probe that failed or
// panicked reports runnable=false with a non-nil err.
type ResultFunc func(runnable bool, err error)

type job struct {
	name  string
	probe Probe
	done  ResultFunc
}

// Checker executes probes one at a time, in submission order.
//
// # Description
//
// Probes never run concurrently with each other and never on the caller's
// goroutine. The queue is unbounded so Submit never blocks a refresh.
//
// # Thread Safety
//
// Safe for concurrent use.
type Checker struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []job
	running  bool
	closed   bool
	cond     *sync.Cond
	finished chan struct{}
}

// NewChecker starts a checker. A nil logger disables logging.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.work()
	return c
}

// Submit queues a probe. done is called from the worker goroutine.
func (c *Checker) Submit(name string, probe Probe, done ResultFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, job{name: name, probe: probe, done: done})
	queueDepth.Set(float64(len(c.queue)))
	c.cond.Broadcast()
	return nil
}

// Pending returns the number of probes queued or running.
func (c *Checker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.running {
		n++
	}
	return n
}

// Wait blocks until the queue is empty and no probe is running, or ctx is
// done.
func (c *Checker) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 || c.running {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Close stops accepting probes. Queued probes still complete, with a
// cancelled context, so every submitted probe reports a result.
func (c *Checker) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	<-c.finished
}

func (c *Checker) work() {
	defer close(c.finished)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.running = false
			c.cond.Broadcast()
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.running = false
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		j := c.queue[0]
		c.queue[0] = job{}
		c.queue = c.queue[1:]
		c.running = true
		queueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()

		c.run(j)
	}
}

func (c *Checker) run(j job) {
	start := time.Now()
	runnable, err := c.safeProbe(j)
	probeDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		probesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn("on-demand probe failed",
			slog.String("analysis", j.name),
			slog.String("error", err.Error()))
		runnable = false
	case runnable:
		probesTotal.WithLabelValues("runnable").Inc()
	default:
		probesTotal.WithLabelValues("not_runnable").Inc()
	}

	if j.done != nil {
		j.done(runnable, err)
	}
}

func (c *Checker) safeProbe(j job) (runnable bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			runnable = false
			err = fmt.Errorf("probe %s panicked: %v", j.name, r)
		}
	}()
	return j.probe(c.ctx)
}
