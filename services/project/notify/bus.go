// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers presentation refresh signals asynchronously.
//
// Publishers never call subscribers directly: every key goes through a
// dispatcher goroutine, so a background actor publishing a refresh can never
// re-enter the caller that triggered it. Keys already pending are coalesced.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_notify_published_total",
		Help: "Refresh signals published, by bus",
	}, []string{"bus"})

	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projects_notify_coalesced_total",
		Help: "Refresh signals merged into an already pending one, by bus",
	}, []string{"bus"})

	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projects_notify_pending",
		Help: "Refresh signals waiting for dispatch, by bus",
	}, []string{"bus"})
)

// Handler receives one key.
type Handler[K comparable] func(key K)

// Options configures a Bus.
type Options struct {
	// Name labels the bus in metrics and logs.
	Name string

	// Rate limits deliveries per second. Zero means unlimited.
	Rate rate.Limit

	// Burst is the limiter burst. Default: 1 when Rate is set.
	Burst int

	// Logger receives handler panics. Nil disables logging.
	Logger *slog.Logger
}

// Bus is an asynchronous, coalescing, in-order notification queue.
//
// # Description
//
// Publish appends a key unless the same key is already waiting. A single
// dispatcher goroutine hands keys to every subscriber in publish order,
// optionally throttled by a token bucket. A panicking handler is logged and
// does not stop delivery to the others.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bus[K comparable] struct {
	name    string
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []K
	queued   map[K]struct{}
	subs     map[string]Handler[K]
	order    []string
	busy     bool
	idle     *sync.Cond
	closed   bool
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

// New creates a bus and starts its dispatcher.
func New[K comparable](opts Options) *Bus[K] {
	if opts.Name == "" {
		opts.Name = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.Rate, burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus[K]{
		name:     opts.Name,
		limiter:  limiter,
		logger:   logger.With(slog.String("bus", opts.Name)),
		queued:   make(map[K]struct{}),
		subs:     make(map[string]Handler[K]),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers h and returns its subscription id.
func (b *Bus[K]) Subscribe(h Handler[K]) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[id] = h
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscription. Returns false if id is unknown.
func (b *Bus[K]) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish queues key for delivery. It never blocks on subscribers.
func (b *Bus[K]) Publish(key K) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	publishedTotal.WithLabelValues(b.name).Inc()
	if _, ok := b.queued[key]; ok {
		b.mu.Unlock()
		coalescedTotal.WithLabelValues(b.name).Inc()
		return
	}
	b.queued[key] = struct{}{}
	b.pending = append(b.pending, key)
	pendingGauge.WithLabelValues(b.name).Set(float64(len(b.pending)))
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every key published before the call was delivered or
// ctx is done.
func (b *Bus[K]) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.idle.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for (len(b.pending) > 0 || b.busy) && !b.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.idle.Wait()
	}
	return nil
}

// Close stops the dispatcher. Pending keys are dropped.
func (b *Bus[K]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = nil
	b.queued = make(map[K]struct{})
	b.idle.Broadcast()
	b.mu.Unlock()

	b.cancel()
	<-b.finished
	pendingGauge.WithLabelValues(b.name).Set(0)
}

func (b *Bus[K]) dispatch() {
	defer close(b.finished)
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if b.closed || len(b.pending) == 0 {
				b.busy = false
				b.idle.Broadcast()
				b.mu.Unlock()
				break
			}
			key := b.pending[0]
			b.pending = b.pending[1:]
			delete(b.queued, key)
			b.busy = true
			handlers := make([]Handler[K], 0, len(b.order))
			for _, id := range b.order {
				handlers = append(handlers, b.subs[id])
			}
			pendingGauge.WithLabelValues(b.name).Set(float64(len(b.pending)))
			b.mu.Unlock()

			if b.limiter != nil {
				if err := b.limiter.Wait(b.ctx); err != nil {
					return
				}
			}
			for _, h := range handlers {
				b.safeInvoke(h, key)
			}
		}
	}
}

func (b *Bus[K]) safeInvoke(h Handler[K], key K) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panicked", slog.Any("panic", r))
		}
	}()
	h(key)
}
