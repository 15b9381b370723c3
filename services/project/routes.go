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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianProjects/pkg/validation"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
)

const requestIDHeader = "X-Request-ID"

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = validation.RegisterValidators(v)
	}
}

// RegisterRoutes registers the /v1/projects endpoints.
//
// Description:
//
//	Registers all /v1/projects/* endpoints with the given router group
//	(typically /v1).
//
// Endpoints:
//
//	GET    /v1/projects                       - List open projects
//	GET    /v1/projects/find                  - Find an element by path
//	GET    /v1/projects/events                - Websocket event stream
//	GET    /v1/projects/prompts/head          - Pending confirmation
//	POST   /v1/projects/prompts/:id           - Answer a confirmation
//	GET    /v1/projects/jobs/:id              - Bounds job status
//	DELETE /v1/projects/jobs/:id              - Cancel a bounds job
//	POST   /v1/projects/:project/open         - Open (create) a project
//	DELETE /v1/projects/:project              - Close a project
//	GET    /v1/projects/:project/tree         - Model tree snapshot
//	POST   /v1/projects/:project/refresh      - Refresh from storage
//	POST   /v1/projects/:project/bounds       - Start a bounds job
//	POST   /v1/projects/:project/traces/type  - Resolve or set a trace type
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	projects := rg.Group("/projects")
	{
		projects.GET("", handlers.HandleListProjects)
		projects.GET("/find", handlers.HandleFind)
		projects.GET("/events", handlers.HandleEvents)

		prompts := projects.Group("/prompts")
		{
			prompts.GET("/head", handlers.HandlePromptHead)
			prompts.POST("/:id", handlers.HandlePromptAnswer)
		}

		jobs := projects.Group("/jobs")
		{
			jobs.GET("/:id", handlers.HandleBoundsJob)
			jobs.DELETE("/:id", handlers.HandleCancelBoundsJob)
		}

		projects.POST("/:project/open", handlers.HandleOpenProject)
		projects.DELETE("/:project", handlers.HandleCloseProject)
		projects.GET("/:project/tree", handlers.HandleTree)
		projects.POST("/:project/refresh", handlers.HandleRefresh)
		projects.POST("/:project/bounds", handlers.HandleStartBounds)
		projects.POST("/:project/traces/type", handlers.HandleTraceType)
	}
}

// NewRouter builds the service router. /health and /metrics are open;
// the /v1 API goes through the configured AuthProvider.
func NewRouter(handlers *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestIDMiddleware())
	if m := handlers.svc.metrics; m != nil {
		router.Use(metricsMiddleware(m))
	}

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	v1.Use(handlers.authMiddleware())
	RegisterRoutes(v1, handlers)
	return router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader(requestIDHeader)
}

func metricsMiddleware(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", c.Request.Method),
			attribute.Int("status", c.Writer.Status()),
		)
		ctx := c.Request.Context()
		m.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
