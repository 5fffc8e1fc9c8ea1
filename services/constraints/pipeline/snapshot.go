// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

// SnapshotStats summarizes snapshot assembly.
type SnapshotStats struct {
	Copied  int
	Missing int
	Shadow  int
}

// snapshotSources returns the distinct script paths referenced by events,
// keyed by base name. The first path seen for a base name wins.
func snapshotSources(events []tracelog.Event, root string) (map[string]string, int) {
	files := make(map[string]string)
	shadowed := 0
	add := func(p string) {
		if p == "" {
			return
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		base := filepath.Base(p)
		if prev, ok := files[base]; ok {
			if prev != p {
				shadowed++
			}
			return
		}
		files[base] = p
	}
	for _, ev := range events {
		add(ev.File)
		if ev.Location != nil {
			add(ev.Location.File)
		}
	}
	return files, shadowed
}

// buildSnapshot copies every referenced script into dir, flattened by base
// name. Missing files are logged and skipped.
func buildSnapshot(ctx context.Context, events []tracelog.Event, root, dir string, workers int, logger *slog.Logger) (SnapshotStats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SnapshotStats{}, fmt.Errorf("creating snapshot dir: %w", err)
	}
	files, shadowed := snapshotSources(events, root)
	if workers < 1 {
		workers = 1
	}

	var copied, missing atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for base, src := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := copyFile(src, filepath.Join(dir, base))
			if errors.Is(err, fs.ErrNotExist) {
				missing.Add(1)
				logger.Warn("snapshot: source file not found", slog.String("file", src))
				return nil
			}
			if err != nil {
				return fmt.Errorf("copying %s: %w", src, err)
			}
			copied.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SnapshotStats{}, fmt.Errorf("building snapshot: %w", err)
	}

	stats := SnapshotStats{Copied: int(copied.Load()), Missing: int(missing.Load()), Shadow: shadowed}
	logger.Debug("snapshot assembled",
		slog.String("dir", dir),
		slog.Int("copied", stats.Copied),
		slog.Int("missing", stats.Missing),
		slog.Int("shadowed", stats.Shadow),
	)
	return stats, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if info, err := in.Stat(); err != nil {
		return err
	} else if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file: %w", src, fs.ErrNotExist)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
