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
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProjects/pkg/logging"
	"github.com/AleutianAI/AleutianProjects/pkg/ux"
	"github.com/AleutianAI/AleutianProjects/services/project"
	"github.com/AleutianAI/AleutianProjects/services/project/config"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	logLevel    string
	workspace   string
	jsonOutput  bool
	personality string
}

// =============================================================================
// COMMAND TREE
// =============================================================================

// newRootCmd builds the command tree. Each call returns fresh flag state so
// tests can execute commands independently.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "projects",
		Short: "Serve and inspect the trace projects of a workspace",
		Long: `projects keeps an in-memory model of the trace projects in a workspace
synchronized with the files on disk.

Each project folder holds a "Traces" folder, an "Experiments" folder and a
hidden ".tracing" folder for derived caches. The model follows external
file changes, asks before closing traces that changed while open, and
caches trace time ranges in a property store.

Examples:
  projects serve                 # start the HTTP API
  projects tree demo --depth 2   # print the top of the "demo" tree
  projects bounds demo           # compute and cache trace time ranges
  projects config --json         # show the effective configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the configuration file (default ~/.aleutian/projects.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "",
		"Override the configured workspace directory")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false,
		"Output as JSON for scripting")
	root.PersistentFlags().StringVar(&opts.personality, "personality", "",
		"Output style: full, standard, minimal, machine (default: detected)")

	root.AddCommand(
		newServeCmd(opts),
		newTreeCmd(opts),
		newBoundsCmd(opts),
		newConfigCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// loadConfig loads the configuration file and applies flag overrides.
func (o *globalOptions) loadConfig(w io.Writer) (config.Config, error) {
	cfg, created, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if created {
		fmt.Fprintf(w, "Created default configuration at %s\n", displayPath(o.configPath))
	}
	if o.workspace != "" {
		cfg.Workspace.Dir = o.workspace
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// session is an opened workspace for one-shot commands.
type session struct {
	cfg    config.Config
	logger *logging.Logger
	svc    *project.Service
}

// openSession loads the configuration and opens the workspace. Console
// logging is quiet so command output stays readable; the log file, when
// configured, still receives everything.
func (o *globalOptions) openSession(ctx context.Context, w io.Writer, base project.ServiceConfig) (*session, error) {
	cfg, err := o.loadConfig(w)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.LoggerConfig("projects-cli")
	logCfg.Quiet = true
	logger := logging.New(logCfg)

	base.Logger = logger.Slog()
	svc, err := project.NewFromConfig(ctx, cfg, base)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, svc: svc}, nil
}

func (s *session) Close() error {
	err := s.svc.Close()
	if cerr := s.logger.Close(); err == nil {
		err = cerr
	}
	return err
}

func displayPath(p string) string {
	if p != "" {
		return p
	}
	if d, err := config.DefaultPath(); err == nil {
		return d
	}
	return config.FileName
}

// printer returns the styled output for w, honoring --personality.
func (o *globalOptions) printer(w io.Writer) *ux.Printer {
	level := ux.DetectLevel(w)
	if o.personality != "" {
		level = ux.ParseLevel(o.personality)
	}
	return ux.NewPrinter(w, level)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
