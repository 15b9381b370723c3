// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProjects/pkg/logging"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", ".aleutian", FileName)

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, ".tracing", onDisk.Workspace.SupplementaryFolder)
	assert.Equal(t, 100*time.Millisecond, onDisk.Watcher.Debounce)

	_, created, err = Load(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
workspace:
  dir: /srv/traces
watcher:
  debounce: 250ms
server:
  port: 9000
`), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/traces", cfg.WorkspaceDir())
	assert.Equal(t, ".tracing", cfg.Workspace.SupplementaryFolder)
	assert.Equal(t, 250*time.Millisecond, cfg.Watcher.Debounce)
	assert.Equal(t, 1000, cfg.Watcher.BufferSize)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
}

func TestLoad_TokenFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  token: from-file\n"), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Server.Token)

	t.Setenv(TokenEnv, "from-env")
	cfg, _, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Token)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"supplementary folder must be hidden", "workspace:\n  supplementary_folder: cache\n"},
		{"supplementary folder is one segment", "workspace:\n  supplementary_folder: .a/b\n"},
		{"empty workspace", "workspace:\n  dir: \"\"\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"unknown level", "logging:\n  level: loud\n"},
		{"zero debounce", "watcher:\n  debounce: 0s\n"},
		{"negative rate", "notifications:\n  rate: -1\n"},
		{"persistent properties need a path", "properties:\n  path: \"\"\n"},
		{"unknown trace exporter", "telemetry:\n  trace_exporter: zipkin\n"},
		{"not yaml", "workspace: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, _, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_InMemoryPropertiesNeedNoPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("properties:\n  path: \"\"\n  in_memory: true\n"), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.BadgerConfig().InMemory)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Logging = LoggingConfig{Level: "warning", Dir: "/tmp/logs", JSON: true}
	cfg.Properties.Path = "/var/lib/projects.db"

	w := cfg.WatcherOptions()
	assert.Equal(t, cfg.Watcher.Debounce, w.DebounceWindow)
	assert.Equal(t, cfg.Watcher.IgnorePatterns, w.IgnorePatterns)

	b := cfg.BusOptions("presentation")
	assert.Equal(t, "presentation", b.Name)
	assert.Equal(t, rate.Limit(20), b.Rate)
	assert.Equal(t, 5, b.Burst)

	db := cfg.BadgerConfig()
	assert.Equal(t, "/var/lib/projects.db", db.Path)
	assert.False(t, db.InMemory)
	assert.Equal(t, 10*time.Minute, db.GCInterval)

	l := cfg.LoggerConfig("projects")
	assert.Equal(t, logging.LevelWarn, l.Level)
	assert.Equal(t, "/tmp/logs", l.LogDir)
	assert.True(t, l.JSON)
	assert.Equal(t, "projects", l.Service)
}
