// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"context"
	"os"

	"github.com/charmbracelet/huh"
)

// Confirmation is the answer to a Confirm question.
type Confirmation struct {
	Accept bool
	Always bool
}

// Confirm asks a yes/no question with a follow-up "apply to all" switch.
//
// # Description
//
// The form is accessible (line based) when stdin is not a terminal, so it
// still works under pipes and in CI. Cancelling ctx aborts the form and
// returns ctx's error.
func Confirm(ctx context.Context, title, description string) (Confirmation, error) {
	answer := Confirmation{Accept: true}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Value(&answer.Accept).
				Affirmative("Yes").
				Negative("No"),
			huh.NewConfirm().
				Title("Apply this answer to later changes?").
				Value(&answer.Always).
				Affirmative("Yes").
				Negative("No"),
		),
	).WithTheme(huh.ThemeBase16())
	if !IsTerminal(os.Stdin) {
		form = form.WithAccessible(true)
	}
	if err := form.RunWithContext(ctx); err != nil {
		return Confirmation{}, err
	}
	return answer, nil
}
