// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing the chat stream's SSE frames.
//
// # Description
//
// SSEWriter abstracts frame serialization and writing, enabling
// testability and separation from HTTP response mechanics. Frames are
// data-only SSE messages (data: json\n\n) with no event name, so a plain
// EventSource client receives them as messages.
//
// The writer enforces the terminal-frame rule: exactly one frame with
// continuing=false may be written, and nothing after it. A frame written
// after the terminal returns ErrStreamClosed instead of reaching the
// wire.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive
// goroutine writes alongside the controller.
type SSEWriter interface {
	// WriteFrame writes one frame. Returns ErrStreamClosed if a
	// terminal frame was already written.
	WriteFrame(frame datatypes.StreamFrame) error

	// WriteToken writes a token frame with continuing=true.
	WriteToken(token string) error

	// WriteTitle writes a title frame. Never terminal.
	WriteTitle(title string) error

	// WriteError writes the failing terminal frame. The message must
	// already be sanitized for client display.
	WriteError(errMsg string) error

	// WriteDone writes the successful terminal frame.
	WriteDone() error

	// WriteKeepAlive sends an SSE comment line to prevent idle
	// connection timeouts. Comments are not frames and are allowed at
	// any time before the terminal.
	WriteKeepAlive() error
}

// ErrStreamClosed is returned for writes attempted after the terminal
// frame.
var ErrStreamClosed = fmt.Errorf("sse stream already terminated")

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	mu       sync.Mutex
	finished bool
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter. The
// caller must set SSE headers via SetSSEHeaders before the first write.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// WriteFrame serializes the frame and writes it as one SSE data message,
// flushing immediately.
func (w *sseWriter) WriteFrame(frame datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return ErrStreamClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()

	if frame.IsTerminal() {
		w.finished = true
	}
	return nil
}

func (w *sseWriter) WriteToken(token string) error {
	return w.WriteFrame(datatypes.TokenFrame(token))
}

func (w *sseWriter) WriteTitle(title string) error {
	return w.WriteFrame(datatypes.TitleFrame(title))
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteFrame(datatypes.ErrorFrame(errMsg))
}

func (w *sseWriter) WriteDone() error {
	return w.WriteFrame(datatypes.DoneFrame())
}

// WriteKeepAlive sends a comment line (": ping\n\n"). Comments are
// ignored by SSE clients but reset load balancer timeout counters.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return ErrStreamClosed
	}

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
