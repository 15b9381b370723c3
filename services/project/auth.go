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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
)

const authInfoKey = "auth_info"

// authMiddleware authenticates every request with the configured
// AuthProvider. The token comes from "Authorization: Bearer <token>" or,
// for websocket clients that cannot set headers, the "token" query
// parameter.
func (h *Handlers) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		info, err := h.svc.ext.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			h.requestLogger(c, "auth").Warn("request rejected",
				slog.String("path", c.FullPath()),
				slog.String("client_ip", c.ClientIP()),
				slog.String("error", err.Error()))
			h.audit(c, extensions.AuditEvent{
				EventType:    extensions.EventAuthFailed,
				Action:       c.Request.Method,
				ResourceType: "endpoint",
				ResourceID:   c.FullPath(),
			}, err)
			status := http.StatusUnauthorized
			if !errors.Is(err, extensions.ErrUnauthorized) {
				status = http.StatusInternalServerError
			}
			c.AbortWithStatusJSON(status, ErrorResponse{Error: "Unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// caller returns the authenticated user id, "anonymous" before
// authentication.
func caller(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info.UserID
		}
	}
	return "anonymous"
}

// audit records event with the caller, request id and outcome filled in
// from c and err. Audit failures are logged, never returned.
func (h *Handlers) audit(c *gin.Context, event extensions.AuditEvent, err error) {
	event.UserID = caller(c)
	event.Outcome = extensions.OutcomeSuccess
	if event.Metadata == nil {
		event.Metadata = make(map[string]any, 2)
	}
	event.Metadata["request_id"] = requestID(c)
	if err != nil {
		event.Outcome = extensions.OutcomeFailure
		event.Metadata["error"] = err.Error()
	}
	if aerr := h.svc.ext.AuditLogger.Log(c.Request.Context(), event); aerr != nil {
		h.logger.Warn("audit log failed",
			slog.String("event_type", event.EventType),
			slog.String("error", aerr.Error()))
	}
}
