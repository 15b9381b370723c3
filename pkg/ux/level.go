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
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// LevelEnv overrides the detected output level.
const LevelEnv = "ALEUTIAN_PERSONALITY"

// Level defines the verbosity and richness of CLI output.
type Level string

const (
	// LevelFull enables colors, icons, boxes and rounded tree branches.
	LevelFull Level = "full"

	// LevelStandard enables colors and icons.
	LevelStandard Level = "standard"

	// LevelMinimal uses icons and basic formatting only.
	LevelMinimal Level = "minimal"

	// LevelMachine outputs plain tab-separated text for scripting.
	LevelMachine Level = "machine"
)

// ParseLevel converts a string to a Level. Unknown values yield
// LevelStandard.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return LevelFull
	case "standard", "std", "s":
		return LevelStandard
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "quiet", "q":
		return LevelMachine
	default:
		return LevelStandard
	}
}

// DetectLevel picks the level for w: the environment override first, then
// LevelMachine for anything that is not a terminal, else LevelFull.
func DetectLevel(w io.Writer) Level {
	if env := os.Getenv(LevelEnv); env != "" {
		return ParseLevel(env)
	}
	if !IsTerminal(w) {
		return LevelMachine
	}
	return LevelFull
}

// IsTerminal reports whether w is a terminal, including Cygwin ptys.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
