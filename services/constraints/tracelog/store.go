// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxLineSize bounds a single trace line. Page events can carry whole
// serialized DOM values so the default scanner limit is far too small.
const maxLineSize = 64 * 1024 * 1024

// ReadStats summarizes a tolerant read.
type ReadStats struct {
	Lines     int
	Events    int
	Malformed int
}

// Store is the append-only, line-delimited trace log.
//
// Description:
//
//	Each appended event is written as one JSON line. Reads never fail on a
//	malformed line; such lines are logged and skipped.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewStore creates a store backed by the file at path. The parent directory
// is created when missing; the file itself is created on first append.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("trace log path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating trace log directory: %w", err)
	}
	return &Store{path: path, logger: logger}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Append writes ev as a new line.
func (s *Store) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding trace event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening trace log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending trace event: %w", err)
	}
	return f.Close()
}

// Raw returns the current log contents. A missing log reads as empty.
func (s *Store) Raw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trace log: %w", err)
	}
	return data, nil
}

// ReadAll loads every well-formed event in submission order.
func (s *Store) ReadAll(ctx context.Context) ([]Event, ReadStats, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, ReadStats{}, err
	}
	events, stats := ReadEvents(ctx, bytes.NewReader(data), s.logger)
	return events, stats, nil
}

// Reset truncates the log.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path, nil, 0o644); err != nil {
		return fmt.Errorf("truncating trace log: %w", err)
	}
	return nil
}

// ReadEvents decodes line-delimited events from r.
//
// Description:
//
//	Blank lines are ignored. Lines that fail to decode are counted as
//	malformed, logged at warn level and skipped. Reading stops early when
//	ctx is canceled; the events read so far are returned.
func ReadEvents(ctx context.Context, r io.Reader, logger *slog.Logger) ([]Event, ReadStats) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ReadStats
	events := make([]Event, 0)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			stats.Malformed++
			logger.Warn("skipping malformed trace line",
				slog.Int("line", stats.Lines),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		stats.Malformed++
		logger.Warn("trace log read stopped early", slog.String("error", err.Error()))
	}
	stats.Events = len(events)
	return events, stats
}

// ParseLines decodes an explicit list of trace lines with the same
// tolerance as ReadEvents.
func ParseLines(lines []string, logger *slog.Logger) ([]Event, ReadStats) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ReadStats
	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		stats.Lines++
		trimmed := bytes.TrimSpace([]byte(line))
		if len(trimmed) == 0 {
			continue
		}
		ev, err := ParseEvent(trimmed)
		if err != nil {
			stats.Malformed++
			logger.Warn("skipping malformed trace record",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, ev)
	}
	stats.Events = len(events)
	return events, stats
}
