// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
	"github.com/AleutianAI/AleutianProjects/pkg/logging"
	"github.com/AleutianAI/AleutianProjects/services/project"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	port  int
	debug bool
}

// newServeCmd creates the serve command.
//
// # Description
//
// Opens the workspace, starts the file watcher and serves the projects API
// until SIGINT or SIGTERM. Shutdown drains HTTP requests first, then closes
// the service so running bounds jobs and pending prompts are released.
//
// # Examples
//
//	projects serve
//	projects serve --port 9090 --debug
func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the projects HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, opts, cmd)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0,
		"Override the configured listen port")
	cmd.Flags().BoolVar(&opts.debug, "debug", false,
		"Enable gin debug mode")
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, opts *serveOptions, cmd *cobra.Command) error {
	cfg, err := g.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	logger := logging.New(cfg.LoggerConfig(logging.DefaultService))
	defer logger.Close()

	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(cfg.Telemetry.ServiceName))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	ext := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger.Slog()))
	if cfg.Server.Token != "" {
		ext = ext.WithAuth(extensions.NewTokenAuthProvider(cfg.Server.Token))
	} else {
		logger.Warn("no server token configured, the API is unauthenticated",
			slog.String("addr", cfg.Addr()))
	}

	svc, err := project.NewFromConfig(ctx, cfg, project.ServiceConfig{
		Logger:     logger.Slog(),
		Metrics:    metrics,
		Extensions: ext,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("service close", slog.String("error", err.Error()))
		}
	}()

	router := project.NewRouter(project.NewHandlers(svc, logger.Slog()), cfg.Telemetry.ServiceName)
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	logger.Info("projects server listening",
		slog.String("address", ln.Addr().String()),
		slog.String("workspace", cfg.WorkspaceDir()),
		slog.String("version", project.ServiceVersion))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down projects server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
