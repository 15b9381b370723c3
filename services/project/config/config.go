// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the projects service configuration from
// ~/.aleutian/projects.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProjects/pkg/logging"
	"github.com/AleutianAI/AleutianProjects/services/project/notify"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/storage/badger"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
)

// FileName is the configuration file name inside ~/.aleutian.
const FileName = "projects.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the projects service configuration.
type Config struct {
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Properties    PropertiesConfig    `yaml:"properties"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     telemetry.Config    `yaml:"telemetry"`
	Server        ServerConfig        `yaml:"server"`
}

type WorkspaceConfig struct {
	// Dir is the workspace root. Each top-level folder is a project.
	Dir string `yaml:"dir" validate:"required"`

	// SupplementaryFolder is the per-project folder for derived caches.
	SupplementaryFolder string `yaml:"supplementary_folder" validate:"required,startswith=.,excludes=/"`
}

type WatcherConfig struct {
	Debounce       time.Duration `yaml:"debounce" validate:"gt=0"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	BufferSize     int           `yaml:"buffer_size" validate:"gte=1"`
}

type NotificationsConfig struct {
	// Rate limits presentation refreshes per second. 0 is unlimited.
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

type PropertiesConfig struct {
	// Path of the badger directory holding persisted trace properties.
	Path     string        `yaml:"path" validate:"required_if=InMemory false"`
	InMemory bool          `yaml:"in_memory"`
	GC       time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type ReconcileConfig struct {
	// Concurrency bounds the subtrees refreshed in parallel per batch.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=64"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`

	// Token, when set, is required as a bearer token on the /v1 API.
	// Can also be set via ALEUTIAN_PROJECTS_TOKEN.
	Token string `yaml:"token"`
}

// TokenEnv overrides Server.Token.
const TokenEnv = "ALEUTIAN_PROJECTS_TOKEN"

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Workspace: WorkspaceConfig{
			Dir:                 "~/.aleutian/workspace",
			SupplementaryFolder: ".tracing",
		},
		Watcher: WatcherConfig{
			Debounce:       100 * time.Millisecond,
			IgnorePatterns: []string{".git", "*.swp", ".*.tmp*"},
			BufferSize:     1000,
		},
		Notifications: NotificationsConfig{Rate: 20, Burst: 5},
		Properties: PropertiesConfig{
			Path: "~/.aleutian/projects.db",
			GC:   10 * time.Minute,
		},
		Reconcile: ReconcileConfig{Concurrency: 4},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Server:    ServerConfig{Host: "127.0.0.1", Port: 12230},
	}
}

// DefaultPath returns ~/.aleutian/projects.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", FileName), nil
}

// Load reads the configuration at path, creating it with defaults first if
// it does not exist. An empty path means DefaultPath. Keys missing from the
// file keep their default values.
func Load(path string) (Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if token := os.Getenv(TokenEnv); token != "" {
		cfg.Server.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, created, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// WorkspaceDir returns the workspace directory with "~" expanded.
func (c Config) WorkspaceDir() string {
	return logging.ExpandPath(c.Workspace.Dir)
}

// WatcherOptions converts the watcher section.
func (c Config) WatcherOptions() storage.WatcherOptions {
	return storage.WatcherOptions{
		DebounceWindow: c.Watcher.Debounce,
		IgnorePatterns: append([]string(nil), c.Watcher.IgnorePatterns...),
		BufferSize:     c.Watcher.BufferSize,
	}
}

// BusOptions converts the notifications section.
func (c Config) BusOptions(name string) notify.Options {
	return notify.Options{
		Name:  name,
		Rate:  rate.Limit(c.Notifications.Rate),
		Burst: c.Notifications.Burst,
	}
}

// BadgerConfig converts the properties section.
func (c Config) BadgerConfig() badger.Config {
	if c.Properties.InMemory {
		return badger.InMemoryConfig()
	}
	cfg := badger.DefaultConfig(logging.ExpandPath(c.Properties.Path))
	cfg.GCInterval = c.Properties.GC
	return cfg
}

// LoggerConfig converts the logging section. The level was validated by
// Validate.
func (c Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
	}
}

// Addr returns the server listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
