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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
	"github.com/AleutianAI/AleutianProjects/services/project/registry"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// Handlers contains the HTTP handlers of the projects service.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc. A nil logger disables logging.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handlers{svc: svc, logger: logger}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(
		slog.String("request_id", requestID(c)),
		slog.String("handler", handler))
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  ServiceVersion,
		Projects: len(h.svc.Registry().Projects()),
	})
}

// HandleListProjects handles GET /v1/projects.
func (h *Handlers) HandleListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, ProjectListResponse{Projects: h.svc.Projects()})
}

// HandleOpenProject handles POST /v1/projects/:project/open.
//
// Description:
//
//	Returns the project, creating it and running its first refresh when it
//	is not open yet.
//
// Response:
//
//	200 OK: ProjectSummary
//	400 Bad Request: Invalid project name
//	503 Service Unavailable: Service closing
func (h *Handlers) HandleOpenProject(c *gin.Context) {
	logger := h.requestLogger(c, "HandleOpenProject")
	name := c.Param("project")

	p, err := h.svc.Open(c.Request.Context(), name)
	h.audit(c, extensions.AuditEvent{
		EventType:    extensions.EventProjectOpen,
		Action:       "open",
		ResourceType: "project",
		ResourceID:   name,
	}, err)
	if err != nil {
		logger.Warn("open project failed", slog.String("project", name), slog.String("error", err.Error()))
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(p))
}

// HandleCloseProject handles DELETE /v1/projects/:project.
func (h *Handlers) HandleCloseProject(c *gin.Context) {
	name := c.Param("project")
	closed := h.svc.CloseProject(c.Request.Context(), name)
	event := extensions.AuditEvent{
		EventType:    extensions.EventProjectClose,
		Action:       "close",
		ResourceType: "project",
		ResourceID:   name,
	}
	if !closed {
		h.audit(c, event, ErrProjectNotOpen)
		h.fail(c, ErrProjectNotOpen)
		return
	}
	h.audit(c, event, nil)
	h.requestLogger(c, "HandleCloseProject").Info("project closed", slog.String("project", name))
	c.Status(http.StatusNoContent)
}

// HandleTree handles GET /v1/projects/:project/tree.
//
// Query Parameters:
//
//	depth - levels below the project to include (default: all)
func (h *Handlers) HandleTree(c *gin.Context) {
	p, err := h.svc.Project(c.Param("project"))
	if err != nil {
		h.fail(c, err)
		return
	}
	depth, ok := intQuery(c, "depth", -1)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, Snapshot(p, depth))
}

// HandleRefresh handles POST /v1/projects/:project/refresh.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRefresh")
	name := c.Param("project")
	err := h.svc.Refresh(c.Request.Context(), name)
	h.audit(c, extensions.AuditEvent{
		EventType:    extensions.EventProjectReload,
		Action:       "refresh",
		ResourceType: "project",
		ResourceID:   name,
	}, err)
	if err != nil {
		logger.Warn("refresh failed", slog.String("project", name), slog.String("error", err.Error()))
		h.fail(c, err)
		return
	}
	p, err := h.svc.Project(name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(p))
}

// HandleFind handles GET /v1/projects/find.
//
// Query Parameters:
//
//	path  - storage path, first segment is the project (required)
//	exact - "false" returns the nearest existing ancestor (default: true)
//	depth - levels of children to include (default: 0)
func (h *Handlers) HandleFind(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path is required", Code: "INVALID_REQUEST"})
		return
	}
	exact := c.DefaultQuery("exact", "true") != "false"
	depth, ok := intQuery(c, "depth", 0)
	if !ok {
		return
	}
	e, err := h.svc.Find(path, exact)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Snapshot(e, depth))
}

// HandleStartBounds handles POST /v1/projects/:project/bounds.
//
// Response:
//
//	202 Accepted: BoundsJobResponse
//	400 Bad Request: Invalid body
//	404 Not Found: Project not open or trace unknown
func (h *Handlers) HandleStartBounds(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStartBounds")

	var req BoundsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
			return
		}
	}

	resp, err := h.svc.StartBounds(c.Param("project"), req.Traces)
	h.audit(c, extensions.AuditEvent{
		EventType:    extensions.EventBoundsStart,
		Action:       "start",
		ResourceType: "project",
		ResourceID:   c.Param("project"),
		Metadata:     map[string]any{"traces": len(req.Traces), "job_id": resp.JobID},
	}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	logger.Info("bounds job started",
		slog.String("job_id", resp.JobID),
		slog.Int("traces", resp.Queued))
	c.JSON(http.StatusAccepted, resp)
}

// HandleBoundsJob handles GET /v1/projects/jobs/:id.
func (h *Handlers) HandleBoundsJob(c *gin.Context) {
	resp, err := h.svc.BoundsJob(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCancelBoundsJob handles DELETE /v1/projects/jobs/:id.
func (h *Handlers) HandleCancelBoundsJob(c *gin.Context) {
	err := h.svc.CancelBoundsJob(c.Param("id"))
	h.audit(c, extensions.AuditEvent{
		EventType:    extensions.EventBoundsCancel,
		Action:       "cancel",
		ResourceType: "bounds_job",
		ResourceID:   c.Param("id"),
	}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleTraceType handles POST /v1/projects/:project/traces/type.
//
// Response:
//
//	200 OK: TraceTypeResponse
//	404 Not Found: No trace at the path
//	409 Conflict: Several types match; candidates are listed
//	422 Unprocessable Entity: No type matches or the type is unknown
func (h *Handlers) HandleTraceType(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTraceType")

	var req TraceTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	project := c.Param("project")
	if _, err := h.svc.Project(project); err != nil {
		h.fail(c, err)
		return
	}
	path := storage.Join(project, req.Trace)
	if storage.IsWithin(req.Trace, project) {
		path = req.Trace
	}

	id, err := h.svc.TraceType(path, req.Hint, req.TypeID)
	if req.TypeID != "" {
		h.audit(c, extensions.AuditEvent{
			EventType:    extensions.EventTraceType,
			Action:       "set",
			ResourceType: "trace",
			ResourceID:   path,
			Metadata:     map[string]any{"type_id": req.TypeID},
		}, err)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TraceTypeResponse{Trace: path, TypeID: id})
}

// HandlePromptHead handles GET /v1/projects/prompts/head.
//
// Response:
//
//	200 OK: reconcile.Request
//	204 No Content: Nothing to confirm
func (h *Handlers) HandlePromptHead(c *gin.Context) {
	req, ok := h.svc.Prompter().Head()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, req)
}

// HandlePromptAnswer handles POST /v1/projects/prompts/:id.
func (h *Handlers) HandlePromptAnswer(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePromptAnswer")

	var answer PromptAnswer
	if err := c.ShouldBindJSON(&answer); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	id := c.Param("id")
	trace := ""
	if head, ok := h.svc.Prompter().Head(); ok && head.ID == id {
		trace = head.Trace
	}
	action := "decline"
	if *answer.Accept {
		action = "accept"
	}
	err := h.svc.Prompter().Answer(id, answer.Decision())
	h.audit(c, extensions.AuditEvent{
		EventType:    extensions.EventPromptAnswer,
		Action:       action,
		ResourceType: "trace",
		ResourceID:   trace,
		Metadata:     map[string]any{"prompt_id": id, "always": answer.Always},
	}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	logger.Info("confirmation answered",
		slog.String("prompt_id", id),
		slog.Bool("accept", *answer.Accept),
		slog.Bool("always", answer.Always))
	if m := h.svc.metrics; m != nil {
		m.PromptsTotal.Add(c.Request.Context(), 1)
	}
	c.Status(http.StatusNoContent)
}

// fail maps service errors to status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error(), Code: "INTERNAL"}

	var ambiguous *traces.AmbiguousTypeError
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		status, resp.Code = http.StatusBadRequest, "INVALID_PROJECT"
	case errors.Is(err, ErrProjectNotOpen):
		status, resp.Code = http.StatusNotFound, "PROJECT_NOT_OPEN"
	case errors.Is(err, ErrElementNotFound):
		status, resp.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrNotTrace):
		status, resp.Code = http.StatusBadRequest, "NOT_A_TRACE"
	case errors.Is(err, ErrJobNotFound):
		status, resp.Code = http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, ErrNoPrompt), errors.Is(err, ErrPromptMismatch):
		status, resp.Code = http.StatusNotFound, "PROMPT_NOT_PENDING"
	case errors.As(err, &ambiguous):
		status, resp.Code = http.StatusConflict, "AMBIGUOUS_TYPE"
		resp.Candidates = ambiguous.Candidates
	case errors.Is(err, traces.ErrUnknownType):
		status, resp.Code = http.StatusUnprocessableEntity, "UNKNOWN_TYPE"
	case errors.Is(err, ErrServiceClosed), errors.Is(err, registry.ErrClosed):
		status, resp.Code = http.StatusServiceUnavailable, "CLOSED"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, resp.Code = http.StatusRequestTimeout, "CANCELED"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", requestID(c)),
			slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}

func intQuery(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: key + " must be an integer", Code: "INVALID_REQUEST"})
		return 0, false
	}
	return v, true
}
