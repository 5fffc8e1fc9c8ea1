// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans pipeline run events out to websocket subscribers.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published by the service.
const (
	TypeRunStarted   = "run_started"
	TypeRunFinished  = "run_finished"
	TypeRunFailed    = "run_failed"
	TypePointQueried = "point_queried"
	TypeInstrumented = "instrumented"
	TypeCleaned      = "cleaned"
	TypeSubscribed   = "subscribed"
)

const defaultSubscriberBuf = 32

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one message on the stream.
type Event struct {
	Type    string         `json:"type"`
	RunID   string         `json:"runId,omitempty"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Publisher accepts events. The pipeline depends on this rather than on Hub.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Hub broadcasts events to every subscriber.
//
// Description:
//
//	Publish never blocks. A subscriber whose buffer is full misses the
//	event, and the drop is logged at debug level.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	closed  bool
	bufSize int
	logger  *slog.Logger
}

// NewHub creates a hub. bufSize <= 0 uses the default per-subscriber buffer.
func NewHub(bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuf
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[chan Event]struct{}), bufSize: bufSize, logger: logger}
}

// Publish sends ev to every subscriber. A zero Time is set to now.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("event subscriber full, dropping", slog.String("type", ev.Type))
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.bufSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := h.Subscribe()
	defer unsubscribe()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// The reader only drains control frames; it ends the session when the
	// client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("event subscriber connected", slog.String("remote", r.RemoteAddr))
	defer h.logger.Info("event subscriber disconnected", slog.String("remote", r.RemoteAddr))

	if err := writeJSON(conn, Event{Type: TypeSubscribed, Time: time.Now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, ev Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
