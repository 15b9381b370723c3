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
	"context"
	"sync"

	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
)

// WebPrompter answers changed-while-open confirmations through the HTTP
// API. The prompt queue shows one confirmation at a time, so at most one
// request is pending here.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebPrompter struct {
	onShow func(reconcile.Request)

	mu      sync.Mutex
	current *pendingPrompt
}

type pendingPrompt struct {
	req    reconcile.Request
	answer chan reconcile.Decision
}

// NewWebPrompter creates a prompter. onShow, if set, is called with every
// request when it becomes pending.
func NewWebPrompter(onShow func(reconcile.Request)) *WebPrompter {
	return &WebPrompter{onShow: onShow}
}

// Confirm implements reconcile.Prompter. It blocks until Answer is called
// for req or ctx is done.
func (p *WebPrompter) Confirm(ctx context.Context, req reconcile.Request) (reconcile.Decision, error) {
	pending := &pendingPrompt{req: req, answer: make(chan reconcile.Decision, 1)}
	p.mu.Lock()
	p.current = pending
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.current == pending {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	if p.onShow != nil {
		p.onShow(req)
	}

	select {
	case d := <-pending.answer:
		return d, nil
	case <-ctx.Done():
		return reconcile.Decision{}, ctx.Err()
	}
}

// Head returns the pending request.
func (p *WebPrompter) Head() (reconcile.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return reconcile.Request{}, false
	}
	return p.current.req, true
}

// Answer resolves the pending request with id.
func (p *WebPrompter) Answer(id string, d reconcile.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ErrNoPrompt
	}
	if p.current.req.ID != id {
		return ErrPromptMismatch
	}
	p.current.answer <- d
	p.current = nil
	return nil
}

var _ reconcile.Prompter = (*WebPrompter)(nil)
