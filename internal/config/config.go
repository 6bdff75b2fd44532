// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads nsload.yaml, the optional configuration file
// of the nsload command.
//
// Example:
//
//	path: [lib, vendor/lib]
//	extensions: [.star]
//	cache: .nsload-cache
//	max_steps: 1000000
//	log_level: debug
//	dialect:
//	  recursion: true
//	context:
//	  env: staging
//	  replicas: 3
//
// Command-line flags override the file.
package config // import "github.com/nsload/nsload/internal/config"

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nsload/nsload/loader"
	"gopkg.in/yaml.v3"
)

// FileName is the name FindConfig looks for.
const FileName = "nsload.yaml"

// Config is the top-level nsload.yaml configuration.
type Config struct {
	// Path lists the directories searched for namespace sources, in
	// order. Relative entries are relative to the config file.
	Path []string `yaml:"path"`

	// Extensions are the source file extensions tried for a
	// namespace, in order. Defaults to [.star].
	Extensions []string `yaml:"extensions,omitempty"`

	// MacroExtensions are the extensions tried first for macro
	// namespaces. Defaults to [.macros.star].
	MacroExtensions []string `yaml:"macro_extensions,omitempty"`

	// Cache is the compile cache file, relative to the config file.
	// The cache is loaded before and saved after each run.
	Cache string `yaml:"cache,omitempty"`

	// Context holds constants injected into every unit as globals.
	Context map[string]any `yaml:"context,omitempty"`

	// Dialect enables non-standard language features: set,
	// recursion, globalreassign.
	Dialect map[string]bool `yaml:"dialect,omitempty"`

	// MaxSteps, if positive, bounds the execution steps of each unit.
	MaxSteps uint64 `yaml:"max_steps,omitempty"`

	// LogLevel is one of trace, debug, info, warn, error.
	// If empty, nothing is logged.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Dialect features that may appear under dialect.
var dialectKeys = map[string]bool{
	"set":            true,
	"recursion":      true,
	"globalreassign": true,
}

var logLevels = map[string]slog.Level{
	"trace": loader.LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LoadConfig reads and parses an nsload.yaml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses nsload.yaml content from bytes. Relative paths
// in the result are resolved against the directory of path.
func ParseConfig(data []byte, path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	cfg.setDefaults(filepath.Dir(path))
	return &cfg, nil
}

// FindConfig searches for nsload.yaml starting from dir and walking
// up to parent directories. It returns "" if there is none.
func FindConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (c *Config) validate(path string) error {
	for i, dir := range c.Path {
		if dir == "" {
			return fmt.Errorf("%s: path[%d]: empty directory", path, i)
		}
	}
	for _, list := range [][]string{c.Extensions, c.MacroExtensions} {
		for _, ext := range list {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("%s: extension %q must start with a dot", path, ext)
			}
		}
	}
	for key := range c.Dialect {
		if !dialectKeys[key] {
			return fmt.Errorf("%s: dialect: unknown feature %q", path, key)
		}
	}
	for name := range c.Context {
		if !isIdent(name) {
			return fmt.Errorf("%s: context: %q is not an identifier", path, name)
		}
		if name == loader.BindingExports || name == loader.BindingRegistry {
			return fmt.Errorf("%s: context: %s is reserved", path, name)
		}
	}
	if c.LogLevel != "" {
		if _, ok := logLevels[c.LogLevel]; !ok {
			return fmt.Errorf("%s: unknown log_level %q", path, c.LogLevel)
		}
	}
	return nil
}

func (c *Config) setDefaults(dir string) {
	for i, p := range c.Path {
		if !filepath.IsAbs(p) {
			c.Path[i] = filepath.Join(dir, p)
		}
	}
	if c.Cache != "" && !filepath.IsAbs(c.Cache) {
		c.Cache = filepath.Join(dir, c.Cache)
	}
}

// Level returns the configured log level, and false if logging is off.
func (c *Config) Level() (slog.Level, bool) {
	level, ok := logLevels[c.LogLevel]
	return level, ok
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case '0' <= r && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
