// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize bounds a configuration document.
const MaxYAMLFileSize = 1 << 20

// Environment variables that override file values.
const (
	EnvCodeQLPath = "CODEQL_PATH"
	EnvWorkDir    = "CONSTRAINTS_WORK_DIR"
	EnvCacheDir   = "CONSTRAINTS_CACHE_DIR"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete service configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Paths           PathsConfig           `yaml:"paths"`
	Oracle          OracleConfig          `yaml:"oracle"`
	Queries         QueriesConfig         `yaml:"queries"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Analysis        AnalysisConfig        `yaml:"analysis"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`

	// RoutePrefix is prepended to every API route. Empty mounts the routes
	// at the root, where the probe script and the automation client expect
	// them.
	RoutePrefix string `yaml:"route_prefix" validate:"omitempty,startswith=/,endsnotwith=/"`

	// CORSOrigins lists the origins allowed to call the API from a page.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins" validate:"required,min=1,dive,required"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// WorkDir is the root for every artifact the service writes.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// SourceRoot resolves relative file paths recorded in traces.
	SourceRoot string `yaml:"source_root" validate:"required"`

	// TraceLog is the trace store file. Default: <work_dir>/trace/trace.log
	TraceLog string `yaml:"trace_log"`
}

// OracleDir is where the CodeQL database and results live.
func (p PathsConfig) OracleDir() string { return filepath.Join(p.WorkDir, "codeql") }

// SnapshotRoot is the parent of run-scoped source snapshots.
func (p PathsConfig) SnapshotRoot() string { return filepath.Join(p.WorkDir, "source") }

// QueryScratchDir is the parent of run-scoped specialized queries.
func (p PathsConfig) QueryScratchDir() string { return filepath.Join(p.WorkDir, "queries") }

// OriginalDir holds files received for instrumentation.
func (p PathsConfig) OriginalDir() string { return filepath.Join(p.WorkDir, "original") }

// InstrumentedDir holds rewritten files.
func (p PathsConfig) InstrumentedDir() string { return filepath.Join(p.WorkDir, "instrumented") }

// OracleConfig configures the CodeQL CLI.
type OracleConfig struct {
	Binary   string `yaml:"binary" validate:"required"`
	Language string `yaml:"language" validate:"required"`
	Threads  int    `yaml:"threads" validate:"min=0"`

	// KeepArtifacts leaves result files on disk after a run.
	KeepArtifacts bool `yaml:"keep_artifacts"`
}

// QueriesConfig selects the active queries.
type QueriesConfig struct {
	Active   []string `yaml:"active" validate:"required,min=1,dive,query"`
	TieBreak string   `yaml:"tie_break" validate:"oneof=second first last"`
}

// InstrumentationConfig configures the rewriter collaborator.
type InstrumentationConfig struct {
	Enabled bool `yaml:"enabled"`

	// Command and Args form the rewriter invocation. "{input}" and
	// "{output}" in Args are replaced by the file paths.
	Command string   `yaml:"command" validate:"required_if=Enabled true"`
	Args    []string `yaml:"args"`

	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"min=1"`
	DefaultName   string        `yaml:"default_name" validate:"required"`

	// CacheDir holds the instrumented-file cache. Default: <work_dir>/cache
	CacheDir string `yaml:"cache_dir"`

	// CacheTTL is the lifetime of a cached instrumented file.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gt=0"`

	// Watch invalidates cache entries when an original file changes.
	Watch bool `yaml:"watch"`
}

// AnalysisConfig tunes the pipeline.
type AnalysisConfig struct {
	MaxSliceBytes   int `yaml:"max_slice_bytes" validate:"min=1"`
	SnapshotWorkers int `yaml:"snapshot_workers" validate:"min=1,max=64"`
}

// =============================================================================
// Loading
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("query", func(fl validator.FieldLevel) bool {
		_, ok := oracle.Lookup(fl.Field().String())
		return ok
	})
	return v
}

// Load parses a configuration document over the embedded defaults.
//
// Description:
//
//	The embedded defaults are decoded first and data is decoded on top,
//	so data only needs the keys it changes. Environment overrides are
//	applied next, derived paths are filled in, and the result is
//	validated.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - YAML document. May be empty to load the defaults only.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func Load(ctx context.Context, data []byte) (*Config, error) {
	_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "config.Load")
	defer span.End()

	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("config.Load: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parsing defaults: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parsing YAML: %w", err)
		}
	}
	if len(cfg.Queries.Active) == 0 {
		cfg.Queries.Active = append([]string(nil), oracle.DefaultActive...)
	}

	applyEnv(&cfg)
	applyDerived(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation: %w", err)
	}

	span.SetAttributes(
		attribute.String("work_dir", cfg.Paths.WorkDir),
		attribute.Int("active_queries", len(cfg.Queries.Active)),
		attribute.String("tie_break", cfg.Queries.TieBreak),
	)
	slog.Info("constraint service config loaded",
		slog.String("work_dir", cfg.Paths.WorkDir),
		slog.String("codeql", cfg.Oracle.Binary),
		slog.Any("queries", cfg.Queries.Active),
		slog.Bool("instrumentation", cfg.Instrumentation.Enabled),
	)
	return &cfg, nil
}

// LoadFile reads path and calls Load. An empty path loads the defaults.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		return Load(ctx, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadFile: %w", err)
	}
	return Load(ctx, data)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCodeQLPath); v != "" {
		cfg.Oracle.Binary = v
	}
	if v := os.Getenv(EnvWorkDir); v != "" {
		cfg.Paths.WorkDir = v
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		cfg.Instrumentation.CacheDir = v
	}
}

func applyDerived(cfg *Config) {
	if cfg.Paths.TraceLog == "" {
		cfg.Paths.TraceLog = filepath.Join(cfg.Paths.WorkDir, "trace", "trace.log")
	}
	if cfg.Instrumentation.CacheDir == "" {
		cfg.Instrumentation.CacheDir = filepath.Join(cfg.Paths.WorkDir, "cache")
	}
	if cfg.Queries.TieBreak == "" {
		cfg.Queries.TieBreak = "second"
	}
}

// =============================================================================
// Singleton
// =============================================================================

var (
	configMu      sync.RWMutex
	configOnce    sync.Once
	cachedConfig  *Config
	configLoadErr error
)

// Get returns the cached default configuration.
//
// Description:
//
//	Loads the embedded defaults with environment overrides on first call
//	and caches the result.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func Get(ctx context.Context) (*Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("config.Get: ctx must not be nil")
	}

	configMu.RLock()
	if cachedConfig != nil || configLoadErr != nil {
		cfg, err := cachedConfig, configLoadErr
		configMu.RUnlock()
		return cfg, err
	}
	configMu.RUnlock()

	configMu.Lock()
	defer configMu.Unlock()

	configOnce.Do(func() {
		cachedConfig, configLoadErr = Load(ctx, nil)
	})
	return cachedConfig, configLoadErr
}

// Reset clears the cached configuration for testing.
//
// Thread Safety: Safe for concurrent use.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	cachedConfig = nil
	configLoadErr = nil
	configOnce = sync.Once{}
}
