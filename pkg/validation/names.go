// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation validates user-provided workspace names before they
// reach storage.
//
// Project names and trace paths arrive from URLs, request bodies and the
// command line and are joined onto the workspace root. Rejecting traversal
// segments, hidden segments and control characters here keeps every such
// input inside the workspace and out of the supplementary cache folders.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength bounds one path segment, the common file system limit.
const MaxNameLength = 255

// MaxPathSegments bounds the depth of a trace path.
const MaxPathSegments = 64

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("invalid name")

// ValidateProjectName validates a project name: a single, visible path
// segment.
//
// Example:
//
//	if err := validation.ValidateProjectName(name); err != nil {
//	    return fmt.Errorf("open project: %w", err)
//	}
func ValidateProjectName(name string) error {
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("project %q must not contain path separators: %w", name, ErrInvalidName)
	}
	return validateSegment(name)
}

// ValidateTracePath validates a slash-separated workspace path such as
// "demo/Traces/run1.trace". Leading and trailing slashes are tolerated.
func ValidateTracePath(path string) error {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return fmt.Errorf("path cannot be empty: %w", ErrInvalidName)
	}
	if strings.Contains(trimmed, `\`) {
		return fmt.Errorf("path %q must use forward slashes: %w", path, ErrInvalidName)
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) > MaxPathSegments {
		return fmt.Errorf("path %q is deeper than %d segments: %w", path, MaxPathSegments, ErrInvalidName)
	}
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(seg string) error {
	switch {
	case seg == "":
		return fmt.Errorf("name cannot be empty: %w", ErrInvalidName)
	case len(seg) > MaxNameLength:
		return fmt.Errorf("name %.16q... exceeds %d bytes: %w", seg, MaxNameLength, ErrInvalidName)
	case strings.HasPrefix(seg, "."):
		return fmt.Errorf("name %q is hidden or a traversal segment: %w", seg, ErrInvalidName)
	}
	for _, r := range seg {
		if unicode.IsControl(r) {
			return fmt.Errorf("name %q contains control characters: %w", seg, ErrInvalidName)
		}
	}
	return nil
}

// RegisterValidators adds the "project_name" and "trace_path" tags to v.
func RegisterValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("project_name", func(fl validator.FieldLevel) bool {
		return ValidateProjectName(fl.Field().String()) == nil
	}); err != nil {
		return err
	}
	return v.RegisterValidation("trace_path", func(fl validator.FieldLevel) bool {
		return ValidateTracePath(fl.Field().String()) == nil
	})
}
