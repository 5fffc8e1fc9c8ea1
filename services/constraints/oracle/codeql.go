// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// CommandRunner executes an external command and returns its combined
// output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CodeQLConfig configures the CodeQL CLI oracle.
type CodeQLConfig struct {
	// Binary is the codeql executable.
	Binary string

	// WorkDir holds the database ("db") and result artifacts ("results").
	WorkDir string

	// Language is the extractor language. Default: javascript.
	Language string

	// Threads is passed as --threads when positive.
	Threads int

	// ExtraArgs are appended to every query invocation.
	ExtraArgs []string
}

// CodeQL is the Oracle backed by the CodeQL command line.
//
// Description:
//
//	Regular queries are run with "database analyze --format=csv" and path
//	queries with "query run" followed by "bqrs decode --format=json". Each
//	artifact is named <query>-<seq>-results.csv or <query>-<seq>-decoded.json
//	under WorkDir/results.
//
// Thread Safety: Not safe for concurrent use.
type CodeQL struct {
	cfg    CodeQLConfig
	run    CommandRunner
	logger *slog.Logger
}

// CodeQLOption configures a CodeQL oracle.
type CodeQLOption func(*CodeQL)

// WithCommandRunner replaces the command executor.
func WithCommandRunner(r CommandRunner) CodeQLOption {
	return func(c *CodeQL) { c.run = r }
}

// WithCodeQLLogger sets the logger.
func WithCodeQLLogger(l *slog.Logger) CodeQLOption {
	return func(c *CodeQL) { c.logger = l }
}

// NewCodeQL creates a CodeQL oracle.
func NewCodeQL(cfg CodeQLConfig, opts ...CodeQLOption) (*CodeQL, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("codeql binary must not be empty")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("codeql work dir must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = "javascript"
	}
	c := &CodeQL{cfg: cfg, run: ExecRunner, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DatabaseDir returns the snapshot database directory.
func (c *CodeQL) DatabaseDir() string { return filepath.Join(c.cfg.WorkDir, "db") }

// ResultDir returns the artifact directory.
func (c *CodeQL) ResultDir() string { return filepath.Join(c.cfg.WorkDir, "results") }

// BuildDatabase implements Oracle.
func (c *CodeQL) BuildDatabase(ctx context.Context, sourceDir string) error {
	if err := os.MkdirAll(c.ResultDir(), 0o755); err != nil {
		return fmt.Errorf("%w: creating result dir: %v", ErrDatabaseBuild, err)
	}
	if err := os.RemoveAll(c.DatabaseDir()); err != nil {
		return fmt.Errorf("%w: removing old database: %v", ErrDatabaseBuild, err)
	}

	args := []string{
		"database", "create",
		"--language=" + c.cfg.Language,
		"--source-root=" + sourceDir,
		"--overwrite",
	}
	args = append(args, c.threadArgs()...)
	args = append(args, c.DatabaseDir())

	if err := c.exec(ctx, "database_create", args); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseBuild, err)
	}
	return nil
}

// Run implements Oracle.
func (c *CodeQL) Run(ctx context.Context, inv Invocation) (string, Format, error) {
	if inv.Query.Path {
		out, err := c.runPathQuery(ctx, inv)
		return out, FormatJSON, err
	}
	out, err := c.runRegularQuery(ctx, inv)
	return out, FormatCSV, err
}

func (c *CodeQL) runRegularQuery(ctx context.Context, inv Invocation) (string, error) {
	out := filepath.Join(c.ResultDir(), fmt.Sprintf("%s-%d-results.csv", inv.Query.Name, inv.Seq))
	args := []string{
		"database", "analyze",
		"--format=csv",
		"--output=" + out,
		"--rerun",
	}
	args = append(args, c.threadArgs()...)
	args = append(args, c.cfg.ExtraArgs...)
	args = append(args, c.DatabaseDir(), inv.QueryFile)

	if err := c.exec(ctx, "analyze", args); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrQueryFailed, inv.Query.Name, err)
	}
	return out, nil
}

func (c *CodeQL) runPathQuery(ctx context.Context, inv Invocation) (string, error) {
	bqrs := filepath.Join(c.ResultDir(), fmt.Sprintf("%s-%d-results.bqrs", inv.Query.Name, inv.Seq))
	decoded := filepath.Join(c.ResultDir(), fmt.Sprintf("%s-%d-decoded.json", inv.Query.Name, inv.Seq))

	runArgs := []string{
		"query", "run",
		"--database=" + c.DatabaseDir(),
		"--output=" + bqrs,
	}
	runArgs = append(runArgs, c.threadArgs()...)
	runArgs = append(runArgs, c.cfg.ExtraArgs...)
	runArgs = append(runArgs, inv.QueryFile)
	if err := c.exec(ctx, "query_run", runArgs); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrQueryFailed, inv.Query.Name, err)
	}

	decodeArgs := []string{
		"bqrs", "decode",
		"--output=" + decoded,
		"--format=json",
		"--entities=id,string,url",
		bqrs,
	}
	if err := c.exec(ctx, "bqrs_decode", decodeArgs); err != nil {
		return "", fmt.Errorf("%w: %s decode: %w", ErrQueryFailed, inv.Query.Name, err)
	}
	return decoded, nil
}

// ClearResults implements Oracle.
func (c *CodeQL) ClearResults() error {
	if err := os.RemoveAll(c.ResultDir()); err != nil {
		return fmt.Errorf("removing codeql results: %w", err)
	}
	return nil
}

// Cleanup implements Oracle.
func (c *CodeQL) Cleanup() error {
	if err := os.RemoveAll(c.DatabaseDir()); err != nil {
		return fmt.Errorf("removing codeql database: %w", err)
	}
	return c.ClearResults()
}

func (c *CodeQL) threadArgs() []string {
	if c.cfg.Threads > 0 {
		return []string{fmt.Sprintf("--threads=%d", c.cfg.Threads)}
	}
	return nil
}

func (c *CodeQL) exec(ctx context.Context, operation string, args []string) error {
	start := time.Now()
	output, err := c.run(ctx, c.cfg.Binary, args...)
	elapsed := time.Since(start)
	telemetry.RecordOracleCall(operation, elapsed, err)

	if err != nil {
		c.logger.Error("codeql command failed",
			slog.String("operation", operation),
			slog.String("args", strings.Join(args, " ")),
			slog.String("output", tail(string(output), 2000)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("codeql %s: %w", operation, err)
	}
	c.logger.Debug("codeql command finished",
		slog.String("operation", operation),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
