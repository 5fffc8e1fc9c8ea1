// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instrument rewrites page scripts through an external source
// transformer so that they emit probe events, and caches the result.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// Outcomes reported in Result.Outcome and the instrumentation metric.
const (
	OutcomeInstrumented = "instrumented"
	OutcomeCached       = "cached"
	OutcomeFallback     = "fallback"
)

// Placeholders substituted in Config.Args.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// CommandRunner executes the transformer and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config configures an Instrumenter.
type Config struct {
	OriginalDir     string
	InstrumentedDir string
	Command         string
	Args            []string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	DefaultName     string
}

// Result is the outcome of one instrumentation request.
type Result struct {
	Name         string
	Content      []byte
	Instrumented bool
	Outcome      string
}

// Instrumenter turns original scripts into instrumented ones.
//
// Description:
//
//	Each request saves the original under OriginalDir, reuses a cached
//	rewrite when the original is unchanged, and otherwise runs the
//	transformer into InstrumentedDir. Any failure falls back to the
//	original content so the page keeps working.
//
// Thread Safety: Safe for concurrent use. Transformer invocations are
// rate-limited.
type Instrumenter struct {
	cfg     Config
	run     CommandRunner
	cache   *Cache
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures an Instrumenter.
type Option func(*Instrumenter)

// WithCommandRunner replaces the transformer executor.
func WithCommandRunner(r CommandRunner) Option {
	return func(i *Instrumenter) { i.run = r }
}

// WithCache enables the instrumented-file cache.
func WithCache(c *Cache) Option {
	return func(i *Instrumenter) { i.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Instrumenter) { i.logger = l }
}

// New creates an Instrumenter.
func New(cfg Config, opts ...Option) (*Instrumenter, error) {
	if cfg.OriginalDir == "" || cfg.InstrumentedDir == "" {
		return nil, errors.New("instrument: original and instrumented directories are required")
	}
	if cfg.Command == "" {
		return nil, errors.New("instrument: command is required")
	}
	if cfg.DefaultName == "" {
		cfg.DefaultName = "no_name.js"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	i := &Instrumenter{
		cfg:     cfg,
		run:     execRunner,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	for _, dir := range []string{cfg.OriginalDir, cfg.InstrumentedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("instrument: creating %s: %w", dir, err)
		}
	}
	return i, nil
}

// OriginalDir returns the directory holding received originals.
func (i *Instrumenter) OriginalDir() string { return i.cfg.OriginalDir }

// SanitizeName reduces name to a plain file name. Empty names and names
// that resolve to a directory become def.
func SanitizeName(name, def string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	if name == "" || base == "." || base == "/" || base == ".." {
		return def
	}
	return base
}

// Instrument returns the instrumented form of content.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	name - Script name from the request. May be empty.
//	content - Original script source.
//
// Outputs:
//
//	Result - Never fails. Instrumented is false when the original is
//	returned unchanged.
func (i *Instrumenter) Instrument(ctx context.Context, name string, content []byte) Result {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "instrument.Instrument")
	defer span.End()

	start := time.Now()
	name = SanitizeName(name, i.cfg.DefaultName)
	logger := i.logger.With(slog.String("name", name))
	span.SetAttributes(attribute.String("name", name), attribute.Int("bytes", len(content)))

	res := i.instrument(ctx, logger, name, content)
	telemetry.RecordInstrumentation(res.Outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	if res.Outcome == OutcomeFallback {
		span.SetStatus(codes.Error, res.Outcome)
	}
	return res
}

func (i *Instrumenter) instrument(ctx context.Context, logger *slog.Logger, name string, content []byte) Result {
	fallback := Result{Name: name, Content: content, Outcome: OutcomeFallback}
	hash := HashSource(content)

	if i.cache != nil {
		cached, ok, err := i.cache.Get(ctx, name, hash)
		if err != nil {
			logger.Warn("instrument cache read failed", slog.String("error", err.Error()))
		} else if ok {
			return Result{Name: name, Content: cached, Instrumented: true, Outcome: OutcomeCached}
		}
	}

	original := filepath.Join(i.cfg.OriginalDir, name)
	if err := os.WriteFile(original, content, 0o644); err != nil {
		logger.Error("saving original failed", slog.String("error", err.Error()))
		return fallback
	}

	out, err := i.transform(ctx, name, original)
	if err != nil {
		trace := trimOutput(err)
		logger.Warn("instrumentation failed, serving original", slog.String("error", trace))
		return fallback
	}

	if i.cache != nil {
		if err := i.cache.Put(ctx, name, hash, out); err != nil {
			logger.Warn("instrument cache write failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("script instrumented", slog.Int("bytes_in", len(content)), slog.Int("bytes_out", len(out)))
	return Result{Name: name, Content: out, Instrumented: true, Outcome: OutcomeInstrumented}
}

type transformError struct {
	err    error
	output []byte
}

func (e *transformError) Error() string { return e.err.Error() }
func (e *transformError) Unwrap() error { return e.err }

func trimOutput(err error) string {
	var te *transformError
	if errors.As(err, &te) && len(te.output) > 0 {
		out := strings.TrimSpace(string(te.output))
		if len(out) > 512 {
			out = out[len(out)-512:]
		}
		return fmt.Sprintf("%v: %s", te.err, out)
	}
	return err.Error()
}

func (i *Instrumenter) transform(ctx context.Context, name, original string) ([]byte, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	output := filepath.Join(i.cfg.InstrumentedDir, name)
	args := make([]string, len(i.cfg.Args))
	for n, a := range i.cfg.Args {
		a = strings.ReplaceAll(a, InputPlaceholder, original)
		args[n] = strings.ReplaceAll(a, OutputPlaceholder, output)
	}
	if combined, err := i.run(ctx, i.cfg.Command, args...); err != nil {
		return nil, &transformError{err: err, output: combined}
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("reading transformer output: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("transformer produced an empty file")
	}
	return data, nil
}

// Invalidate drops the cached and on-disk rewrite of name.
func (i *Instrumenter) Invalidate(name string) {
	name = SanitizeName(name, i.cfg.DefaultName)
	if i.cache != nil {
		if err := i.cache.Delete(name); err != nil {
			i.logger.Warn("instrument cache delete failed", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
	if err := os.Remove(filepath.Join(i.cfg.InstrumentedDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		i.logger.Warn("removing instrumented file failed", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// Clean removes every original, rewrite and cache entry.
func (i *Instrumenter) Clean() error {
	var errs []error
	for _, dir := range []string{i.cfg.OriginalDir, i.cfg.InstrumentedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if i.cache != nil {
		if err := i.cache.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
