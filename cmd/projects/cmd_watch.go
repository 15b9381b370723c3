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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProjects/pkg/ux"
	"github.com/AleutianAI/AleutianProjects/services/project"
	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
)

// newWatchCmd creates the watch command.
//
// # Description
//
// Opens the given projects and follows the workspace until interrupted,
// printing every presentation refresh. With --open every trace is opened,
// and a trace whose file changes while open is closed only after the user
// confirms in the terminal.
//
// # Examples
//
//	projects watch demo
//	projects watch demo other --open
func newWatchCmd(g *globalOptions) *cobra.Command {
	var openTraces bool
	cmd := &cobra.Command{
		Use:   "watch <project>...",
		Short: "Follow workspace changes and confirm closing changed traces",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, g, cmd, args, openTraces, terminalPrompter(g.printer(cmd.ErrOrStderr())))
		},
	}
	cmd.Flags().BoolVar(&openTraces, "open", false, "Open every trace so external edits ask for confirmation")
	return cmd
}

// terminalPrompter asks on the terminal whether a changed trace may be
// closed.
func terminalPrompter(p *ux.Printer) reconcile.Prompter {
	return reconcile.PrompterFunc(func(ctx context.Context, req reconcile.Request) (reconcile.Decision, error) {
		p.Warning(fmt.Sprintf("%s changed on disk while open", req.Trace))
		c, err := ux.Confirm(ctx,
			fmt.Sprintf("Close %s and discard its caches?", req.Name),
			"Choosing No keeps the trace open with its current content.")
		if err != nil {
			return reconcile.Decision{}, err
		}
		return reconcile.Decision{Accept: c.Accept, Always: c.Always}, nil
	})
}

func runWatch(ctx context.Context, g *globalOptions, cmd *cobra.Command, names []string, openTraces bool, prompter reconcile.Prompter) error {
	s, err := g.openSession(ctx, cmd.ErrOrStderr(), project.ServiceConfig{Prompter: prompter})
	if err != nil {
		return err
	}
	defer s.Close()

	out := g.printer(cmd.OutOrStdout())
	for _, name := range names {
		p, err := s.svc.Open(ctx, name)
		if err != nil {
			return err
		}
		opened := 0
		if openTraces {
			for _, t := range p.Traces() {
				if _, err := t.Open(ctx); err != nil {
					out.Warning(fmt.Sprintf("open %s: %v", t.Path(), err))
					continue
				}
				opened++
			}
		}
		summary := s.svc.Projects()
		for _, ps := range summary {
			if ps.Name == name {
				out.Success(fmt.Sprintf("watching %s: %d trace(s), %d experiment(s), %d open", name, ps.Traces, ps.Experiments, opened))
			}
		}
	}

	id := s.svc.Bus().Subscribe(func(e model.Element) {
		out.Info(fmt.Sprintf("refreshed %s (%s)", e.Path(), e.Kind()))
	})
	defer s.svc.Bus().Unsubscribe(id)

	<-ctx.Done()
	out.Muted("stopping")
	return nil
}
