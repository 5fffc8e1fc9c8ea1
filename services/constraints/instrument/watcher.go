// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Invalidator drops cached state for a file name.
type Invalidator interface {
	Invalidate(name string)
}

// OriginalWatcher invalidates cached rewrites when an original file is
// removed or renamed out from under the service.
//
// Writes are ignored: the instrumenter saves originals itself, and a changed
// original is caught by the content hash on the next request.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type OriginalWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dir     string
	target  Invalidator
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	invalidations atomic.Int64
}

// NewOriginalWatcher creates a watcher over dir.
func NewOriginalWatcher(dir string, target Invalidator, logger *slog.Logger) (*OriginalWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OriginalWatcher{
		watcher: w,
		dir:     dir,
		target:  target,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. It does not block.
func (w *OriginalWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.running = true
	w.logger.Info("watching original scripts", slog.String("dir", w.dir))
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *OriginalWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing original watcher", slog.String("error", err.Error()))
	}
}

// Invalidations returns the number of names invalidated so far.
func (w *OriginalWatcher) Invalidations() int64 {
	return w.invalidations.Load()
}

func (w *OriginalWatcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("original watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *OriginalWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	w.logger.Debug("original script gone, invalidating", slog.String("name", name), slog.String("op", event.Op.String()))
	w.target.Invalidate(name)
	w.invalidations.Add(1)
}
