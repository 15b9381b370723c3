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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
)

func TestAuthMiddleware_Token(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(100)
	env := setupTestEnvWith(t, extensions.ServiceOptions{
		AuthProvider: extensions.NewTokenAuthProvider("s3cret"),
		AuditLogger:  audit,
	}, "demo/Traces/a.trace")

	t.Run("health and metrics stay open", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", nil).Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/projects", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, w).Code)

		failed := audit.Events(extensions.EventAuthFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, extensions.OutcomeFailure, failed[0].Outcome)
		assert.Equal(t, "anonymous", failed[0].UserID)
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/projects/demo/open", nil)
		req.Header.Set("Authorization", "bearer s3cret")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		opened := audit.Events(extensions.EventProjectOpen)
		require.Len(t, opened, 1)
		assert.Equal(t, "token-user", opened[0].UserID)
		assert.Equal(t, "demo", opened[0].ResourceID)
		assert.Equal(t, extensions.OutcomeSuccess, opened[0].Outcome)
		assert.NotEmpty(t, opened[0].Metadata["request_id"])
	})

	t.Run("query token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/projects?token=s3cret", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("BEARER  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("abc"))
	assert.Empty(t, bearerToken(""))
}

func TestHandlers_AuditTrail(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(100)
	env := setupTestEnvWith(t, extensions.ServiceOptions{AuditLogger: audit}, "demo/Traces/a.trace")
	env.open(t, "demo")

	w := env.do(t, http.MethodPost, "/v1/projects/demo/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/a.trace"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, audit.Events(extensions.EventTraceType), "resolving without a type id is not audited")

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/a.trace", TypeID: "no.such.type"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	typed := audit.Events(extensions.EventTraceType)
	require.Len(t, typed, 1)
	assert.Equal(t, extensions.OutcomeFailure, typed[0].Outcome)
	assert.Equal(t, "demo/Traces/a.trace", typed[0].ResourceID)

	w = env.do(t, http.MethodDelete, "/v1/projects/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/projects/demo", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/v1/projects/demo", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Len(t, audit.Events(extensions.EventProjectOpen), 1)
	assert.Len(t, audit.Events(extensions.EventProjectReload), 1)
	cancelled := audit.Events(extensions.EventBoundsCancel)
	require.Len(t, cancelled, 1)
	assert.Equal(t, extensions.OutcomeFailure, cancelled[0].Outcome)

	closed := audit.Events(extensions.EventProjectClose)
	require.Len(t, closed, 2)
	assert.Equal(t, extensions.OutcomeSuccess, closed[0].Outcome)
	assert.Equal(t, extensions.OutcomeFailure, closed[1].Outcome)
	for _, e := range audit.Events() {
		assert.Equal(t, extensions.LocalUserID, e.UserID, e.EventType)
	}
}
