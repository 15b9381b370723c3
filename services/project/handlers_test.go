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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
	"github.com/AleutianAI/AleutianProjects/services/project/traces/tracetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const kernelType = "test.kernel"

type testEnv struct {
	store   *storage.MemoryProvider
	factory *tracetest.Factory
	types   *traces.Registry
	svc     *Service
	router  *gin.Engine
}

func setupTestEnv(t *testing.T, files ...string) *testEnv {
	t.Helper()
	return setupTestEnvWith(t, extensions.ServiceOptions{}, files...)
}

func setupTestEnvWith(t *testing.T, ext extensions.ServiceOptions, files ...string) *testEnv {
	t.Helper()
	store := storage.NewMemoryProvider("/ws")
	for _, f := range files {
		require.NoError(t, store.Create(f, nil))
	}
	factory := tracetest.NewFactory()
	types := traces.NewRegistry()
	require.NoError(t, types.Register(traces.Type{
		ID: kernelType, Name: "Kernel", Extensions: []string{".trace"}, Factory: factory.Open,
	}))
	require.NoError(t, types.Register(traces.Type{
		ID: "test.experiment", Name: "Experiment", Experiment: true, Factory: factory.Open,
	}))

	svc, err := NewService(ServiceConfig{Storage: store, Types: types, Extensions: ext})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{
		store:   store,
		factory: factory,
		types:   types,
		svc:     svc,
		router:  NewRouter(NewHandlers(svc, nil), "projects-test"),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) open(t *testing.T, project string) *model.Project {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/projects/"+project+"/open", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p, err := e.svc.Project(project)
	require.NoError(t, err)
	return p
}

func TestHandlers_HandleHealth(t *testing.T) {
	env := setupTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestHandlers_Metrics(t *testing.T) {
	env := setupTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_OpenListTree(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace", "demo/Traces/sub/b.trace")

	w := env.do(t, http.MethodPost, "/v1/projects/demo/open", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[ProjectSummary](t, w)
	assert.Equal(t, "demo", summary.Name)
	assert.Equal(t, 2, summary.Traces)
	assert.Equal(t, "/ws/demo", summary.Location)

	w = env.do(t, http.MethodGet, "/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ProjectListResponse](t, w)
	require.Len(t, list.Projects, 1)

	w = env.do(t, http.MethodGet, "/v1/projects/demo/tree", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tree := decode[Node](t, w)
	assert.Equal(t, model.KindProject, tree.Kind)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, model.KindTraceFolder, tree.Children[0].Kind)
	assert.Equal(t, model.KindExperimentFolder, tree.Children[1].Kind)

	w = env.do(t, http.MethodGet, "/v1/projects/demo/tree?depth=1", nil)
	shallow := decode[Node](t, w)
	require.Len(t, shallow.Children, 2)
	assert.Empty(t, shallow.Children[0].Children)

	w = env.do(t, http.MethodGet, "/v1/projects/demo/tree?depth=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_ProjectNotOpen(t *testing.T) {
	env := setupTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/projects/demo/tree"},
		{http.MethodPost, "/v1/projects/demo/refresh"},
		{http.MethodDelete, "/v1/projects/demo"},
		{http.MethodPost, "/v1/projects/demo/bounds"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "PROJECT_NOT_OPEN", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_CloseProject(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	p := env.open(t, "demo")

	w := env.do(t, http.MethodDelete, "/v1/projects/demo", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, p.Disposed())

	w = env.do(t, http.MethodDelete, "/v1/projects/demo", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Find(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	env.open(t, "demo")

	w := env.do(t, http.MethodGet, "/v1/projects/find?path=demo/Traces/a.trace", nil)
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[Node](t, w)
	assert.Equal(t, model.KindTrace, node.Kind)
	assert.Equal(t, kernelType, node.TypeID)

	w = env.do(t, http.MethodGet, "/v1/projects/find?path=demo/Traces/missing.trace", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/projects/find?path=demo/Traces/missing.trace&exact=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "demo/Traces", decode[Node](t, w).Path)

	w = env.do(t, http.MethodGet, "/v1/projects/find?path=other/Traces", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, ok := env.svc.Registry().Get("other")
	assert.False(t, ok)

	w = env.do(t, http.MethodGet, "/v1/projects/find", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_StorageChangesReachTree(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	p := env.open(t, "demo")

	require.NoError(t, env.store.Create("demo/Traces/b.trace", nil))
	assert.Len(t, p.Traces(), 2)

	require.NoError(t, env.store.Delete("demo/Traces/a.trace"))
	require.Len(t, p.Traces(), 1)
	assert.Equal(t, "demo/Traces/b.trace", p.Traces()[0].Path())
}

func TestHandlers_TraceType(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	require.NoError(t, env.types.Register(traces.Type{
		ID: "test.other", Extensions: []string{".trace"}, Factory: env.factory.Open,
	}))
	env.open(t, "demo")

	w := env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/a.trace"})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "AMBIGUOUS_TYPE", resp.Code)
	assert.Equal(t, []string{kernelType, "test.other"}, resp.Candidates)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/a.trace", Hint: "test.other"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, TraceTypeResponse{Trace: "demo/Traces/a.trace", TypeID: "test.other"}, decode[TraceTypeResponse](t, w))

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "demo/Traces/a.trace", TypeID: kernelType})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, kernelType, decode[TraceTypeResponse](t, w).TypeID)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/a.trace", TypeID: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NOT_A_TRACE", decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/traces/type", TraceTypeRequest{Trace: "Traces/../../etc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
}

func TestHandlers_OpenRejectsHiddenProject(t *testing.T) {
	env := setupTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/projects/.tracing/open", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PROJECT", decode[ErrorResponse](t, w).Code)
	assert.Empty(t, env.svc.Registry().Projects())
}

func TestHandlers_BoundsJob(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace", "demo/Traces/b.trace")
	env.factory.Set("/ws/demo/Traces/a.trace", tracetest.NewTrace(10, 20))
	env.factory.Set("/ws/demo/Traces/b.trace", tracetest.NewEmptyTrace())
	p := env.open(t, "demo")

	w := env.do(t, http.MethodPost, "/v1/projects/demo/bounds", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[BoundsJobResponse](t, w)
	require.NotEmpty(t, started.JobID)
	assert.Equal(t, 2, started.Queued)

	var job BoundsJobResponse
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/v1/projects/jobs/"+started.JobID, nil)
		job = decode[BoundsJobResponse](t, w)
		return job.Done
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, job.Error)
	assert.Equal(t, BoundsResult{Start: 10, End: 20, Source: "scan"}, job.Results["demo/Traces/a.trace"])
	assert.Equal(t, BoundsResult{Start: traces.BigBang, End: traces.BigBang, Source: "scan"}, job.Results["demo/Traces/b.trace"])

	start, end, ok := p.FindTrace("demo/Traces/a.trace").CachedBounds()
	require.True(t, ok)
	assert.Equal(t, traces.Timestamp(10), start)
	assert.Equal(t, traces.Timestamp(20), end)

	w = env.do(t, http.MethodPost, "/v1/projects/demo/bounds", BoundsRequest{Traces: []string{"demo/Traces/zzz.trace"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/projects/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Prompts(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	p := env.open(t, "demo")
	fake := tracetest.NewTrace(1, 2)
	env.factory.Set("/ws/demo/Traces/a.trace", fake)
	tr := p.FindTrace("demo/Traces/a.trace")
	_, err := tr.Open(context.Background())
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/v1/projects/prompts/head", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.NoError(t, env.store.Create("demo/Traces/a.trace", []byte("changed")))

	var req reconcile.Request
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/v1/projects/prompts/head", nil)
		if w.Code != http.StatusOK {
			return false
		}
		req = decode[reconcile.Request](t, w)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "demo/Traces/a.trace", req.Trace)

	accept := true
	w = env.do(t, http.MethodPost, "/v1/projects/prompts/not-"+req.ID, PromptAnswer{Accept: &accept})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/projects/prompts/"+req.ID, map[string]bool{"always": true})
	assert.Equal(t, http.StatusBadRequest, w.Code, "accept is required")

	w = env.do(t, http.MethodPost, "/v1/projects/prompts/"+req.ID, PromptAnswer{Accept: &accept})
	require.Equal(t, http.StatusNoContent, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Prompts().Wait(ctx))
	assert.True(t, fake.Closed())
	assert.False(t, tr.IsOpen())
}

func TestHandlers_Events(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	env.open(t, "demo")

	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/projects/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		env.svc.Hub().mu.RLock()
		defer env.svc.Hub().mu.RUnlock()
		return len(env.svc.Hub().clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.store.Create("demo/Traces/b.trace", nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventRefresh, event.Type)
	assert.Equal(t, "demo", event.Path)
	assert.Equal(t, model.KindProject, event.Kind)
}

func TestService_CloseRejectsWork(t *testing.T) {
	env := setupTestEnv(t, "demo/Traces/a.trace")
	env.open(t, "demo")
	require.NoError(t, env.svc.Close())
	require.NoError(t, env.svc.Close())

	w := env.do(t, http.MethodPost, "/v1/projects/demo/open", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
