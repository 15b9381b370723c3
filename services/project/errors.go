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

import "errors"

// Sentinel errors for the projects service.
var (
	// ErrProjectNotOpen indicates the project is not held by the registry.
	ErrProjectNotOpen = errors.New("project not open")

	// ErrElementNotFound indicates no element exists at the requested path.
	ErrElementNotFound = errors.New("element not found")

	// ErrNotTrace indicates the element at the requested path is not a trace.
	ErrNotTrace = errors.New("element is not a trace")

	// ErrJobNotFound indicates an unknown bounds job id.
	ErrJobNotFound = errors.New("bounds job not found")

	// ErrNoPrompt indicates no confirmation is waiting for an answer.
	ErrNoPrompt = errors.New("no confirmation pending")

	// ErrPromptMismatch indicates the answer names a confirmation that is
	// not the one currently shown.
	ErrPromptMismatch = errors.New("confirmation is not pending")

	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("projects service closed")
)
