// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProjectName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "demo", false},
		{"spaces and unicode", "run é 2", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"traversal", "..", true},
		{"hidden", ".tracing", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"control", "a\x00b", true},
		{"too long", strings.Repeat("x", MaxNameLength+1), true},
		{"max length", strings.Repeat("x", MaxNameLength), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateTracePath(t *testing.T) {
	assert.NoError(t, ValidateTracePath("demo/Traces/run1.trace"))
	assert.NoError(t, ValidateTracePath("/demo/Traces/"))
	assert.NoError(t, ValidateTracePath("Traces/sub/a.trace"))

	for _, bad := range []string{"", "/", "demo/../etc", "demo/.tracing/a", `demo\Traces`, "demo//a", strings.Repeat("a/", MaxPathSegments+1)} {
		assert.ErrorIs(t, ValidateTracePath(bad), ErrInvalidName, bad)
	}
}

func TestRegisterValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterValidators(v))

	type request struct {
		Project string   `validate:"project_name"`
		Traces  []string `validate:"dive,trace_path"`
	}
	assert.NoError(t, v.Struct(request{Project: "demo", Traces: []string{"demo/Traces/a.trace"}}))
	assert.Error(t, v.Struct(request{Project: "..", Traces: nil}))
	assert.Error(t, v.Struct(request{Project: "demo", Traces: []string{"demo/../x"}}))
}
