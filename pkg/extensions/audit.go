// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit event types.
const (
	EventAuthFailed    = "auth.failed"
	EventProjectOpen   = "project.open"
	EventProjectClose  = "project.close"
	EventTraceType     = "trace.type"
	EventBoundsStart   = "bounds.start"
	EventBoundsCancel  = "bounds.cancel"
	EventPromptAnswer  = "prompt.answer"
	EventProjectReload = "project.refresh"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one state-changing operation.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    extensions.EventPromptAnswer,
//	    UserID:       authInfo.UserID,
//	    Action:       "accept",
//	    ResourceType: "trace",
//	    ResourceID:   "demo/Traces/run1.trace",
//	    Outcome:      extensions.OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType categorizes the event, "category.action".
	EventType string

	// Timestamp is when the event occurred. Zero means now.
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	// Action describes the operation ("open", "accept", "set").
	Action string

	// ResourceType is the kind of resource involved ("project", "trace",
	// "job").
	ResourceType string

	// ResourceID is the resource instance, usually a workspace path.
	ResourceID string

	// Outcome is OutcomeSuccess or OutcomeFailure.
	Outcome string

	// Metadata holds event-specific details such as "error" or
	// "request_id".
	Metadata map[string]any
}

// AuditLogger records audit events. Log must not block on slow sinks for
// long; callers invoke it on the request path.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// SlogAuditLogger writes events as structured log records at info level.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing to logger. Nil
// discards.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlogAuditLogger{logger: logger.With(slog.String("component", "audit"))}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// MemoryAuditLogger keeps the most recent events in memory.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	max    int
	events []AuditEvent
}

// NewMemoryAuditLogger keeps at most max events; max <= 0 keeps 1000.
func NewMemoryAuditLogger(max int) *MemoryAuditLogger {
	if max <= 0 {
		max = 1000
	}
	return &MemoryAuditLogger{max: max}
}

// Log implements AuditLogger.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.max; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	return nil
}

// Events returns the recorded events, oldest first, optionally limited to
// the given types.
func (l *MemoryAuditLogger) Events(types ...string) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, 0, len(l.events))
	for _, e := range l.events {
		if len(types) == 0 || contains(types, e.EventType) {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
