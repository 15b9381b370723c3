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
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProjects/pkg/ux"
	"github.com/AleutianAI/AleutianProjects/services/project"
	"github.com/AleutianAI/AleutianProjects/services/project/model"
)

// =============================================================================
// TREE
// =============================================================================

// newTreeCmd creates the tree command.
//
// # Examples
//
//	projects tree demo
//	projects tree demo --depth 2
//	projects tree demo --json | jq '.children[0]'
func newTreeCmd(g *globalOptions) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "tree <project>",
		Short: "Print the model tree of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.openSession(cmd.Context(), cmd.ErrOrStderr(), project.ServiceConfig{})
			if err != nil {
				return err
			}
			defer s.Close()

			p, err := s.svc.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			node := project.Snapshot(p, depth)
			if g.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), node)
			}
			g.printer(cmd.OutOrStdout()).Tree(treeItem(node))
			return nil
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", -1, "Levels below the project to print (-1 for all)")
	return cmd
}

// treeItem converts a snapshot for display. Traces show their type and
// cached time range, on-demand analyses their check state.
func treeItem(n project.Node) ux.TreeItem {
	item := ux.TreeItem{Label: n.Name}
	switch n.Kind {
	case model.KindTrace, model.KindExperiment:
		item.Detail = n.TypeID
		if item.Detail == "" {
			item.Detail = "unknown type"
		}
		if n.Bounds != nil {
			item.Detail += fmt.Sprintf(", %v .. %v", n.Bounds.Start, n.Bounds.End)
		}
		if n.Open {
			item.Detail += ", open"
		}
		if n.Member {
			item.Label += " " + string(ux.IconArrow) + " " + n.Target
		}
	case model.KindOnDemand:
		item.Detail = n.State
	case model.KindAnalysis, model.KindAggregate:
		if n.CanExecute != nil && !*n.CanExecute {
			item.Detail = "not executable"
		}
	}
	for _, c := range n.Children {
		item.Children = append(item.Children, treeItem(c))
	}
	return item
}

// =============================================================================
// BOUNDS
// =============================================================================

// newBoundsCmd creates the bounds command.
//
// # Description
//
// Resolves the time range of the given traces, or of every trace of the
// project, and caches it in the supplementary folder. Ranges already
// cached are reported without reading the trace again.
//
// # Examples
//
//	projects bounds demo
//	projects bounds demo demo/Traces/run1.trace --timeout 30s
func newBoundsCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "bounds <project> [trace...]",
		Short: "Resolve and cache trace time ranges",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runBounds(ctx, g, cmd, args[0], args[1:])
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func runBounds(ctx context.Context, g *globalOptions, cmd *cobra.Command, name string, paths []string) error {
	s, err := g.openSession(ctx, cmd.ErrOrStderr(), project.ServiceConfig{})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.svc.Open(ctx, name); err != nil {
		return err
	}
	started, err := s.svc.StartBounds(name, paths)
	if err != nil {
		return err
	}

	out := g.printer(cmd.OutOrStdout())
	spin := g.printer(cmd.ErrOrStderr()).NewSpinner(fmt.Sprintf("Resolving %d trace(s)", started.Queued))
	if !g.jsonOutput {
		spin.Start()
	}
	job, err := s.svc.WaitBoundsJob(ctx, started.JobID)
	spin.Stop()
	if err != nil {
		_ = s.svc.CancelBoundsJob(started.JobID)
		return fmt.Errorf("bounds job %s: %w", started.JobID, err)
	}

	if g.jsonOutput {
		return outputJSON(cmd.OutOrStdout(), job)
	}
	rows := make([][]string, 0, len(job.Results))
	for _, p := range sortedKeys(job.Results) {
		r := job.Results[p]
		rows = append(rows, []string{p, r.Start.String(), r.End.String(), r.Source})
	}
	out.Table([]string{"TRACE", "START", "END", "SOURCE"}, rows)
	if job.Error != "" {
		out.Error(job.Error)
		return errors.New(job.Error)
	}
	out.Success(fmt.Sprintf("%d of %d trace(s) resolved", len(job.Results), job.Queued))
	return nil
}

// =============================================================================
// CONFIG
// =============================================================================

// newConfigCmd creates the config command. It prints the effective
// configuration, after flag overrides, creating the file on first run.
func newConfigCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Server.Token != "" {
				cfg.Server.Token = "[REDACTED]"
			}
			if g.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
