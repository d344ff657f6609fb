// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path
// from.
const EnvironmentVariable = "TRACESTATE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local analysis on a workstation.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for batch analysis services.
	Production Environment = "production"
)

// History backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Statedump formats.
const (
	FormatJSON    = "json"
	FormatArchive = "archive"
)

// Config is the master configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// History configures where state histories are stored.
	History HistoryConfig `yaml:"history"`

	// Statedump configures how snapshots are written.
	Statedump StatedumpConfig `yaml:"statedump"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	History   *HistoryConfig   `yaml:"history,omitempty"`
	Statedump *StatedumpConfig `yaml:"statedump,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for tracestate data.
	Root string `yaml:"root"`

	// Traces is the default trace directory. Statedumps are saved in
	// its .tc-states subdirectory.
	Traces string `yaml:"traces"`
}

// HistoryConfig configures the interval store.
type HistoryConfig struct {
	// Backend is "memory" or "sqlite".
	// Default: memory (development), sqlite (production)
	Backend string `yaml:"backend"`

	// PoolSize is the number of SQLite connections.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// StatedumpConfig configures snapshot output.
type StatedumpConfig struct {
	// Format is "json" or "archive".
	// Default: json
	Format string `yaml:"format"`

	// ArchiveCompression is "none", "lz4" or "zstd".
	// Default: zstd
	ArchiveCompression string `yaml:"archive_compression"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	// Default: warn (development), info (production)
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text (development), json (production)
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "tracestate")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:   defaultRoot,
			Traces: filepath.Join(defaultRoot, "traces"),
		},
		History: HistoryConfig{
			Backend:  BackendMemory,
			PoolSize: 4,
		},
		Statedump: StatedumpConfig{
			Format:             FormatJSON,
			ArchiveCompression: "zstd",
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load loads configuration from the TRACESTATE_CONFIG environment
// variable. It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tracestate.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				History: &HistoryConfig{Backend: BackendSQLite},
				Logging: &LoggingConfig{Level: "info", Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		override(&c.Paths.Root, overrides.Paths.Root)
		override(&c.Paths.Traces, overrides.Paths.Traces)
	}

	if overrides.History != nil {
		override(&c.History.Backend, overrides.History.Backend)
		if overrides.History.PoolSize != 0 {
			c.History.PoolSize = overrides.History.PoolSize
		}
	}

	if overrides.Statedump != nil {
		override(&c.Statedump.Format, overrides.Statedump.Format)
		override(&c.Statedump.ArchiveCompression, overrides.Statedump.ArchiveCompression)
	}

	if overrides.Logging != nil {
		override(&c.Logging.Level, overrides.Logging.Level)
		override(&c.Logging.Format, overrides.Logging.Format)
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TRACESTATE_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TRACESTATE_ROOT"] = c.Paths.Root

	c.Paths.Traces = expandVars(c.Paths.Traces, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	backends     = []string{BackendMemory, BackendSQLite}
	formats      = []string{FormatJSON, FormatArchive}
	compressions = []string{"none", "lz4", "zstd"}
	levels       = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"text", "json"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if !slices.Contains(backends, c.History.Backend) {
		errs = append(errs, fmt.Errorf("history.backend must be one of: %v", backends))
	}
	if c.History.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("history.pool_size must be positive, got %d", c.History.PoolSize))
	}

	if !slices.Contains(formats, c.Statedump.Format) {
		errs = append(errs, fmt.Errorf("statedump.format must be one of: %v", formats))
	}
	if !slices.Contains(compressions, c.Statedump.ArchiveCompression) {
		errs = append(errs, fmt.Errorf("statedump.archive_compression must be one of: %v", compressions))
	}

	if !slices.Contains(levels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", levels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", logFormats))
	}

	return errors.Join(errs...)
}

// Logger returns a logger writing to w as the Logging section
// describes.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}

	switch c.Logging.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("logging.format must be one of: %v", logFormats)
	}
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Traces} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
